package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/internal/proctable"
	"github.com/loykin/portvisor/internal/terminate"
)

// Mode selects how the managed process is run.
type Mode string

const (
	// ModeForeground runs attached to the terminal with auto-reload, blocking
	// until the process exits.
	ModeForeground Mode = "dev"
	// ModeBackgroundPool detaches a worker-pool server and returns once it is
	// confirmed alive.
	ModeBackgroundPool Mode = "prod"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeForeground, ModeBackgroundPool:
		return Mode(s), nil
	case "foreground":
		return ModeForeground, nil
	case "background", "pool":
		return ModeBackgroundPool, nil
	}
	return "", fmt.Errorf("unknown mode %q (want dev or prod)", s)
}

const livenessPoll = 20 * time.Millisecond

// PIDRecorder is the part of the PID registry the launcher commits to.
type PIDRecorder interface {
	Write(pid int) error
	ClearIf(pid int) error
}

// Options is everything needed to render and run the managed process.
type Options struct {
	Name    string
	Host    string
	Port    int
	App     string
	WorkDir string

	RuntimeDir string
	RuntimeBin string

	DevCommand string
	ReloadEnv  []string
	Watch      []string
	Debounce   time.Duration

	ProdCommand string
	Workers     int
	Timeout     time.Duration
	Output      logger.OutputSink

	// Env is the composed environment, already including runtime activation.
	Env []string

	StartDuration time.Duration
	WaitForPort   bool
	PortTimeout   time.Duration
	GracePeriod   time.Duration
}

// Launcher spawns the managed process and records its pid.
type Launcher struct {
	opts     Options
	table    proctable.Table
	registry PIDRecorder
	term     *terminate.Terminator
	logger   *slog.Logger

	onRunning func(pid int)

	// Terminal wiring for foreground mode.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func New(opts Options, table proctable.Table, reg PIDRecorder, term *terminate.Terminator, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if term == nil {
		term = terminate.New(table, logger)
	}
	return &Launcher{
		opts:     opts,
		table:    table,
		registry: reg,
		term:     term,
		logger:   logger,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// OnRunning registers fn to be called each time a pid is committed to the
// registry, including relaunches in foreground mode.
func (l *Launcher) OnRunning(fn func(pid int)) { l.onRunning = fn }

func (l *Launcher) running(pid int) {
	if l.onRunning != nil {
		l.onRunning(pid)
	}
}

// Launch starts the managed process in mode. In background mode it returns
// once the process is confirmed alive and recorded. In foreground mode it
// blocks until the process exits or ctx ends, and returns the last pid.
func (l *Launcher) Launch(ctx context.Context, mode Mode) (int, error) {
	if err := l.checkEnvironment(); err != nil {
		return 0, err
	}
	switch mode {
	case ModeBackgroundPool:
		return l.launchBackground(ctx)
	case ModeForeground:
		return l.launchForeground(ctx)
	default:
		return 0, fmt.Errorf("unknown mode %q", mode)
	}
}

// checkEnvironment verifies the provisioned runtime exists before anything
// is spawned.
func (l *Launcher) checkEnvironment() error {
	dir := l.opts.RuntimeDir
	if dir == "" {
		return fmt.Errorf("%w: no runtime directory configured", ErrEnvironmentMissing)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrEnvironmentMissing, dir)
	}
	bin := l.binDir()
	if fi, err := os.Stat(bin); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s has no %s directory", ErrEnvironmentMissing, dir, l.runtimeBin())
	}
	return nil
}

// waitAlive watches the child for the start window. It fails as soon as the
// child exits.
func (l *Launcher) waitAlive(ctx context.Context, pid int, exited <-chan error, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !l.table.IsAlive(pid) {
			return errors.New("not alive after spawn")
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		sleepCtx(ctx, minDur(livenessPoll, time.Until(deadline)))
	}
}

// parentLookup is implemented by tables that can resolve a pid's parent.
type parentLookup interface {
	ParentOf(ctx context.Context, pid int) (int, bool)
}

// waitBound polls the port until pid, or a direct child of it, is among the
// listeners. Wrapper scripts and pre-fork masters bind from a child.
func (l *Launcher) waitBound(ctx context.Context, pid int, exited <-chan error) error {
	timeout := l.opts.PortTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		holders, err := l.table.FindByPort(ctx, l.opts.Port)
		if errors.Is(err, proctable.ErrReconciliationIncomplete) {
			l.logger.Warn("cannot confirm port binding, relying on liveness", slog.Int("port", l.opts.Port))
			return nil
		}
		if l.boundBy(ctx, pid, holders) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("port %d not bound within %s", l.opts.Port, timeout)
		}
		sleepCtx(ctx, minDur(livenessPoll*5, time.Until(deadline)))
	}
}

func (l *Launcher) boundBy(ctx context.Context, pid int, holders []int) bool {
	pl, _ := l.table.(parentLookup)
	for _, h := range holders {
		if h == pid {
			return true
		}
		if pl == nil {
			continue
		}
		if ppid, ok := pl.ParentOf(ctx, h); ok && ppid == pid {
			l.logger.Debug("port bound by child", slog.Int("pid", pid), slog.Int("holder", h))
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
