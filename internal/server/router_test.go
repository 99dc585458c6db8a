package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/portvisor/internal/config"
	"github.com/loykin/portvisor/internal/supervisor"
	tlsconf "github.com/loykin/portvisor/internal/tls"
)

type fixedStatus struct {
	st    supervisor.Status
	calls int
}

func (f *fixedStatus) Status(context.Context) supervisor.Status {
	f.calls++
	return f.st
}

func setupRouter(t *testing.T, base string, st supervisor.Status) (http.Handler, *fixedStatus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "portvisor_test_gauge", Help: "test"}))
	src := &fixedStatus{st: st}
	return NewRouter(src, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), base).Handler(), src
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func running() supervisor.Status {
	return supervisor.Status{State: supervisor.StateRunning, Service: "monitor", Port: 8000, PID: 5555, RecordedPID: 5555, Holders: []int{5555}}
}

func TestStatusJSON(t *testing.T) {
	h, src := setupRouter(t, "/portvisor", running())
	rec := doReq(t, h, http.MethodGet, "/portvisor/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got supervisor.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != supervisor.StateRunning || got.PID != 5555 || got.Port != 8000 {
		t.Fatalf("unexpected status %+v", got)
	}
	if src.calls != 1 {
		t.Fatalf("status should be derived per request, calls=%d", src.calls)
	}
}

func TestStatusLine(t *testing.T) {
	h, _ := setupRouter(t, "", supervisor.Status{State: supervisor.StateOrphaned, Port: 8000, PID: 9999})
	rec := doReq(t, h, http.MethodGet, "/status?format=line")
	if rec.Code != http.StatusOK || rec.Body.String() != "orphaned pid=9999 port=8000\n" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h, src := setupRouter(t, "/", supervisor.Status{State: supervisor.StateStopped})
	rec := doReq(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if src.calls != 0 {
		t.Fatal("healthz must not reconcile")
	}
}

func TestMetricsRoute(t *testing.T) {
	h, _ := setupRouter(t, "/x", running())
	rec := doReq(t, h, http.MethodGet, "/x/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "portvisor_test_gauge") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}

func TestReadOnly(t *testing.T) {
	h, _ := setupRouter(t, "", running())
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if rec := doReq(t, h, m, "/status"); rec.Code == http.StatusOK {
			t.Fatalf("%s /status should not succeed", m)
		}
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "abc": "/abc", "/abc/": "/abc", " /a/b ": "/a/b"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, NewRouter(&fixedStatus{st: running()}, nil, ""), nil, nil) }()

	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeListenError(t *testing.T) {
	if err := Serve(context.Background(), "256.0.0.1:bad", NewRouter(&fixedStatus{}, nil, ""), nil, nil); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestServeTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tlsCfg, err := tlsconf.Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, NewRouter(&fixedStatus{st: running()}, nil, "/ops"), tlsCfg, nil) }()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
	}}
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = client.Get("https://" + addr + "/ops/status")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tls server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer func() { _ = resp.Body.Close() }()
	var st supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != supervisor.StateRunning || resp.TLS == nil {
		t.Fatalf("state=%s tls=%v", st.State, resp.TLS != nil)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

type gatedStatus struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedStatus) Status(context.Context) supervisor.Status {
	g.calls.Add(1)
	<-g.release
	return running()
}

func TestConcurrentStatusSharesScan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := &gatedStatus{release: make(chan struct{})}
	h := NewRouter(src, nil, "").Handler()

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = doReq(t, h, http.MethodGet, "/status").Code
		}(i)
	}
	// Let the requests pile up behind the first scan.
	time.Sleep(100 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Fatalf("request %d: code %d", i, c)
		}
	}
	if got := src.calls.Load(); got >= n {
		t.Fatalf("expected shared scans, got %d calls for %d requests", got, n)
	}
}
