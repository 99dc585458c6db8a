package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/portvisor/internal/history"
)

// fakeIndex accepts create requests and refuses a second create of the same
// id, as OpenSearch does with op_type=create.
type fakeIndex struct {
	mu   sync.Mutex
	docs map[string][]byte
	reqs []*http.Request
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, r)
	if r.Method != http.MethodPut || r.URL.Query().Get("op_type") != "create" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := f.docs[r.URL.Path]; ok {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"type":"version_conflict_engine_exception"}}`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.docs[r.URL.Path] = body
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"result":"created"}`))
}

func newIndex(t *testing.T) (*fakeIndex, *httptest.Server) {
	t.Helper()
	idx := &fakeIndex{docs: map[string][]byte{}}
	srv := httptest.NewServer(idx)
	t.Cleanup(srv.Close)
	return idx, srv
}

func TestSendIndexesEventUnderItsID(t *testing.T) {
	idx, srv := newIndex(t)
	sink := New(srv.URL+"/", "lifecycle")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := history.Event{
		Type:       history.EventStart,
		OccurredAt: at,
		Invocation: "inv-1",
		Service:    "monitor",
		PID:        5555,
		Port:       8000,
		Mode:       "prod",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("send: %v", err)
	}

	path := "/lifecycle/_doc/" + DocumentID(event)
	body, ok := idx.docs[path]
	if !ok {
		t.Fatalf("no document at %s, have %v", path, idx.docs)
	}
	if ct := idx.reqs[0].Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["type"] != "start" || got["invocation"] != "inv-1" || got["pid"] != float64(5555) || got["mode"] != "prod" {
		t.Errorf("unexpected document: %v", got)
	}
	if _, ok := got["detail"]; ok {
		t.Error("empty detail should be omitted")
	}
}

func TestSendTwiceIsIdempotent(t *testing.T) {
	idx, srv := newIndex(t)
	sink := New(srv.URL, "lifecycle")
	e := history.Event{Type: history.EventStop, Invocation: "inv-2", PID: 42, OccurredAt: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if err := sink.Send(context.Background(), e); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(idx.docs) != 1 || len(idx.reqs) != 2 {
		t.Fatalf("docs=%d requests=%d, want 1 and 2", len(idx.docs), len(idx.reqs))
	}
}

func TestDocumentIDDistinguishesEventsOfOneInvocation(t *testing.T) {
	at := time.Now()
	reap := history.Event{Type: history.EventReap, Invocation: "inv", PID: 9999, OccurredAt: at}
	start := history.Event{Type: history.EventStart, Invocation: "inv", PID: 5555, OccurredAt: at}
	relaunch := history.Event{Type: history.EventStart, Invocation: "inv", PID: 5555, OccurredAt: at.Add(time.Millisecond)}
	ids := map[string]bool{DocumentID(reap): true, DocumentID(start): true, DocumentID(relaunch): true}
	if len(ids) != 3 {
		t.Fatalf("ids collide: %v", ids)
	}
	if !strings.HasPrefix(DocumentID(start), "inv-start-5555-") {
		t.Fatalf("id = %q", DocumentID(start))
	}
	if !strings.HasPrefix(DocumentID(history.Event{Type: history.EventNoop}), "none-noop-0-") {
		t.Fatal("events without invocation still need an id")
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "lifecycle").Send(context.Background(), history.Event{Type: history.EventStop})
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}

func TestSendContextCancelled(t *testing.T) {
	_, srv := newIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(srv.URL, "lifecycle").Send(ctx, history.Event{Type: history.EventStop}); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSendUnreachable(t *testing.T) {
	if err := New("http://127.0.0.1:1", "lifecycle").Send(context.Background(), history.Event{Type: history.EventStop}); err == nil {
		t.Fatal("expected connection error")
	}
}
