package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/history"
)

// Sink indexes lifecycle events as OpenSearch documents. Each event gets a
// deterministic id, so a resent event is reported as already indexed instead
// of being duplicated.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// DocumentID names the document for e. One invocation can emit several
// events, so the id combines the invocation with the event type, pid and
// time.
func DocumentID(e history.Event) string {
	inv := e.Invocation
	if inv == "" {
		inv = "none"
	}
	return strings.Join([]string{
		inv,
		string(e.Type),
		strconv.Itoa(e.PID),
		strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
	}, "-")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s?op_type=create", s.baseURL, url.PathEscape(s.index), url.PathEscape(DocumentID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// already indexed
		return nil
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
