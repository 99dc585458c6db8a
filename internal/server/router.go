package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/portvisor/internal/supervisor"
)

// StatusSource classifies the managed service on demand.
type StatusSource interface {
	Status(ctx context.Context) supervisor.Status
}

// Router provides read-only HTTP handlers for the supervised service.
// Endpoints:
//
//	GET {basePath}/status   JSON status; ?format=line for the CLI line
//	GET {basePath}/healthz  liveness of this endpoint
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	status   StatusSource
	metrics  http.Handler
	basePath string
	timeout  time.Duration
	// inflight collapses concurrent status requests into one OS scan.
	inflight singleflight.Group
}

// NewRouter constructs a new Router with configurable basePath. A nil
// metrics handler disables the metrics route.
func NewRouter(status StatusSource, metrics http.Handler, basePath string) *Router {
	return &Router{status: status, metrics: metrics, basePath: sanitizeBase(basePath), timeout: 5 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	v, _, _ := r.inflight.Do("status", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.timeout)
		defer cancel()
		return r.status.Status(ctx), nil
	})
	st := v.(supervisor.Status)
	if c.Query("format") == "line" {
		c.String(http.StatusOK, st.String()+"\n")
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// Serve runs the router on addr until ctx is cancelled, then shuts down
// gracefully. A non-nil tlsCfg serves HTTPS.
func Serve(ctx context.Context, addr string, r *Router, tlsCfg *tls.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	logger.Info("status endpoint listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("base", r.basePath),
		slog.Bool("tls", tlsCfg != nil))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
