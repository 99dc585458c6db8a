package portvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cfg "github.com/loykin/portvisor/internal/config"
	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/history"
	"github.com/loykin/portvisor/internal/history/factory"
	"github.com/loykin/portvisor/internal/launcher"
	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/internal/metrics"
	"github.com/loykin/portvisor/internal/proctable"
	"github.com/loykin/portvisor/internal/registry"
	"github.com/loykin/portvisor/internal/server"
	"github.com/loykin/portvisor/internal/supervisor"
	"github.com/loykin/portvisor/internal/terminate"
	tlsconf "github.com/loykin/portvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = supervisor.Status

type Result = supervisor.Result

type State = supervisor.State

type Mode = launcher.Mode

type LaunchFailedError = launcher.LaunchFailedError

const (
	ModeDev  = launcher.ModeForeground
	ModeProd = launcher.ModeBackgroundPool

	StateStopped       = supervisor.StateStopped
	StateRunning       = supervisor.StateRunning
	StateOrphaned      = supervisor.StateOrphaned
	StateTransitioning = supervisor.StateTransitioning
)

var (
	ErrInvalidConfig      = cfg.ErrInvalidConfig
	ErrEnvironmentMissing = launcher.ErrEnvironmentMissing
	ErrLaunchFailed       = launcher.ErrLaunchFailed
	ErrPortBusy           = supervisor.ErrPortBusy
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func ParseMode(s string) (Mode, error) { return launcher.ParseMode(s) }

// Options wires a Service to its surroundings. Zero values use the process
// defaults.
type Options struct {
	Logger *slog.Logger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Service supervises the one process configured in Config.
type Service struct {
	cfg      *Config
	sup      *supervisor.Supervisor
	launcher *launcher.Launcher
	registry *registry.Registry
	table    proctable.Table
	events   *history.Emitter
	gatherer *prometheus.Registry
	closers  []io.Closer
	logger   *slog.Logger
}

// Open assembles the supervisor for c. History sink failures are logged and
// leave history disabled; they never prevent lifecycle operations.
func Open(c *Config, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := env.New()
	if c.Env.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.Env.Files {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("%w: env file: %v", ErrInvalidConfig, err)
		}
	}
	e.SetPairs(c.Env.Vars)
	e.Activate(c.Runtime.Dir, c.Runtime.Bin)

	reg := registry.New(c.Service.PIDFile)
	table := proctable.New(log)
	term := terminate.New(table, log)

	l := launcher.New(launcher.Options{
		Name:        c.Service.Name,
		Host:        c.Service.Host,
		Port:        c.Service.Port,
		App:         c.Service.App,
		WorkDir:     c.Service.WorkDir,
		RuntimeDir:  c.Runtime.Dir,
		RuntimeBin:  c.Runtime.Bin,
		DevCommand:  c.Dev.Command,
		ReloadEnv:   c.Dev.ReloadEnv,
		Watch:       c.Dev.Watch,
		Debounce:    c.Dev.Debounce,
		ProdCommand: c.Prod.Command,
		Workers:     c.Prod.Workers,
		Timeout:     c.Prod.Timeout,
		Output: logger.OutputSink{
			Path:       c.Prod.LogFile,
			MaxBackups: c.Prod.MaxBackups,
			MaxAgeDays: c.Prod.MaxAgeDays,
			Compress:   c.Prod.Compress,
		},
		Env:           e.Merge(nil),
		StartDuration: c.Service.StartDuration,
		WaitForPort:   c.Service.WaitForPort,
		PortTimeout:   c.Service.PortTimeout,
		GracePeriod:   c.Service.GracePeriod,
	}, table, reg, term, log)
	if opts.Stdin != nil {
		l.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		l.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		l.Stderr = opts.Stderr
	}

	s := &Service{cfg: c, launcher: l, registry: reg, table: table, logger: log}

	var sink history.Sink
	if c.History.DSN != "" {
		hs, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			log.Warn("history disabled", slog.Any("error", err))
		} else {
			sink = hs
			if cl, ok := hs.(io.Closer); ok {
				s.closers = append(s.closers, cl)
			}
		}
	}
	s.events = history.NewEmitter(sink, c.Service.Name, log)

	s.gatherer = prometheus.NewRegistry()
	if err := metrics.Register(s.gatherer); err != nil {
		return nil, err
	}
	s.gatherer.MustRegister(metrics.NewProcessCollector(c.Service.Name, s.livePID))

	pattern := c.EffectivePattern()
	switch {
	case pattern == "":
		log.Warn("no command pattern; only the port and pid record identify the service")
	case c.Service.CommandPattern == "":
		log.Debug("derived command pattern", slog.String("pattern", pattern))
	}

	s.sup = supervisor.New(supervisor.Options{
		Service:     c.Service.Name,
		Port:        c.Service.Port,
		Pattern:     pattern,
		GracePeriod: c.Service.GracePeriod,
	}, supervisor.Deps{
		Table:      table,
		Registry:   reg,
		Terminator: term,
		Launcher:   l,
		Events:     s.events,
		Logger:     log,
	})
	return s, nil
}

func (s *Service) livePID() (int, bool) {
	pid, ok := s.registry.Read()
	if !ok || !s.table.IsAlive(pid) {
		return 0, false
	}
	return pid, true
}

func (s *Service) Config() *Config { return s.cfg }

// Invocation is the id shared by all history events of this Service.
func (s *Service) Invocation() string { return s.events.Invocation() }

func (s *Service) Status(ctx context.Context) Status { return s.sup.Status(ctx) }

func (s *Service) Start(ctx context.Context, mode Mode) (Result, error) {
	return s.sup.Start(ctx, mode)
}

func (s *Service) Stop(ctx context.Context) (Result, error) { return s.sup.Stop(ctx) }

func (s *Service) Restart(ctx context.Context, mode Mode) (Result, error) {
	return s.sup.Restart(ctx, mode)
}

// Gatherer exposes the Service's metrics registry.
func (s *Service) Gatherer() prometheus.Gatherer { return s.gatherer }

// Router returns the read-only status endpoints. Runtime collectors are
// added on first use since only a long-running server benefits from them.
func (s *Service) Router() *server.Router {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		var are prometheus.AlreadyRegisteredError
		if err := s.gatherer.Register(c); err != nil && !errors.As(err, &are) {
			s.logger.Warn("register runtime collector", slog.Any("error", err))
		}
	}
	return server.NewRouter(s.sup, metrics.HandlerFor(s.gatherer), s.cfg.Server.BasePath)
}

// Serve runs the status endpoint on addr until ctx ends.
func (s *Service) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Listen
	}
	tlsCfg, err := tlsconf.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("%w: server.tls: %v", ErrInvalidConfig, err)
	}
	return server.Serve(ctx, addr, s.Router(), tlsCfg, s.logger)
}

// Close flushes the metrics textfile, when configured, and releases history
// sinks.
func (s *Service) Close() error {
	var errs []error
	if path := s.cfg.Metrics.Textfile; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			errs = append(errs, err)
		} else if err := metrics.WriteTextfile(path, s.gatherer); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
