package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/portvisor/internal/history"
	"github.com/loykin/portvisor/internal/launcher"
	"github.com/loykin/portvisor/internal/metrics"
	"github.com/loykin/portvisor/internal/proctable"
	"github.com/loykin/portvisor/internal/reconcile"
	"github.com/loykin/portvisor/internal/terminate"
)

// ErrPortBusy means a process holding the port could not be terminated, so a
// fresh launch cannot bind it.
var ErrPortBusy = errors.New("port still held by a process that could not be terminated")

// Registry is the PID record as seen by the supervisor.
type Registry interface {
	Read() (int, bool)
	Clear() error
}

// Launcher spawns the managed process.
type Launcher interface {
	Launch(ctx context.Context, mode launcher.Mode) (int, error)
}

// Terminator stops a set of pids.
type Terminator interface {
	Terminate(ctx context.Context, pids []int, grace time.Duration) (terminate.Report, error)
}

// runningObserver is implemented by launchers that report each pid as it is
// committed, before Launch returns.
type runningObserver interface {
	OnRunning(fn func(pid int))
}

// parentLookup is implemented by tables that can resolve a pid's parent.
type parentLookup interface {
	ParentOf(ctx context.Context, pid int) (int, bool)
}

// Options identifies the managed service.
type Options struct {
	Service     string
	Port        int
	Pattern     string
	GracePeriod time.Duration
	// SelfPID and ParentPID are never treated as candidates. Zero means the
	// current process and its parent.
	SelfPID   int
	ParentPID int
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Table      proctable.Table
	Registry   Registry
	Terminator Terminator
	Launcher   Launcher
	Events     *history.Emitter
	Logger     *slog.Logger
}

// Supervisor owns the lifecycle of one service on one port. Every decision
// is re-derived from the OS; nothing is cached between operations.
type Supervisor struct {
	opts       Options
	table      proctable.Table
	registry   Registry
	reconciler *reconcile.Reconciler
	terminator Terminator
	launcher   Launcher
	events     *history.Emitter
	logger     *slog.Logger

	mu         sync.Mutex
	mode       launcher.Mode
	launchedAt time.Time
}

func New(opts Options, d Deps) *Supervisor {
	if opts.SelfPID == 0 {
		opts.SelfPID = os.Getpid()
	}
	if opts.ParentPID == 0 {
		opts.ParentPID = os.Getppid()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("service", opts.Service), slog.Int("port", opts.Port))
	s := &Supervisor{
		opts:       opts,
		table:      d.Table,
		registry:   d.Registry,
		reconciler: reconcile.New(d.Table, d.Registry, logger),
		terminator: d.Terminator,
		launcher:   d.Launcher,
		events:     d.Events,
		logger:     logger,
	}
	if o, ok := d.Launcher.(runningObserver); ok {
		o.OnRunning(s.started)
	}
	return s
}

func (s *Supervisor) request() reconcile.Request {
	return reconcile.Request{
		Port:      s.opts.Port,
		Pattern:   s.opts.Pattern,
		SelfPID:   s.opts.SelfPID,
		ParentPID: s.opts.ParentPID,
	}
}

// Status classifies the current state without changing anything.
func (s *Supervisor) Status(ctx context.Context) Status {
	st := s.classify(ctx, s.reconciler.Reconcile(ctx, s.request()))
	metrics.SetState(s.opts.Service, string(st.State))
	metrics.SetCandidates(s.opts.Service, len(st.Candidates))
	return st
}

// Start ensures the service is running. An already running instance is left
// alone and its pid returned. Otherwise every process occupying the port is
// terminated and a fresh instance launched. In foreground mode Start blocks
// until the process exits.
func (s *Supervisor) Start(ctx context.Context, mode launcher.Mode) (Result, error) {
	res, err := s.start(ctx, mode)
	s.finish("start", err)
	return res, err
}

func (s *Supervisor) start(ctx context.Context, mode launcher.Mode) (Result, error) {
	st := s.Status(ctx)
	if st.State == StateRunning {
		s.logger.Info("already running", slog.Int("pid", st.PID))
		s.events.Emit(ctx, history.Event{Type: history.EventNoop, PID: st.PID, Port: s.opts.Port, Mode: string(mode), Detail: "already running"})
		return Result{State: StateRunning, PID: st.PID, AlreadyRunning: true}, nil
	}

	s.transition()
	rep, err := s.reap(ctx, st.Candidates, history.EventReap)
	if err != nil {
		return Result{State: StateOrphaned}, err
	}
	if len(rep.Denied) > 0 {
		return Result{State: StateOrphaned, Report: rep}, fmt.Errorf("%w: pids %v", ErrPortBusy, rep.Denied)
	}
	if err := s.registry.Clear(); err != nil {
		s.logger.Warn("clear stale pid record", slog.Any("error", err))
	}

	s.mu.Lock()
	s.mode = mode
	s.launchedAt = time.Now()
	s.mu.Unlock()

	pid, err := s.launcher.Launch(ctx, mode)
	if err != nil {
		s.launchFailed(ctx, mode, err)
		return Result{State: StateStopped, Report: rep}, err
	}
	if _, ok := s.launcher.(runningObserver); !ok {
		s.started(pid)
	}
	if mode == launcher.ModeForeground {
		// The foreground session has ended by the time Launch returns.
		metrics.SetState(s.opts.Service, string(StateStopped))
		return Result{State: StateStopped, PID: pid, Report: rep}, nil
	}
	return Result{State: StateRunning, PID: pid, Report: rep}, nil
}

// started records a pid the launcher has committed.
func (s *Supervisor) started(pid int) {
	s.mu.Lock()
	mode := s.mode
	elapsed := time.Since(s.launchedAt)
	s.launchedAt = time.Now()
	s.mu.Unlock()

	metrics.ObserveLaunch(s.opts.Service, string(mode), elapsed.Seconds())
	metrics.SetState(s.opts.Service, string(StateRunning))
	s.events.Emit(context.Background(), history.Event{Type: history.EventStart, PID: pid, Port: s.opts.Port, Mode: string(mode)})
}

func (s *Supervisor) launchFailed(ctx context.Context, mode launcher.Mode, err error) {
	ev := history.Event{Type: history.EventLaunchFailed, Port: s.opts.Port, Mode: string(mode), Detail: err.Error()}
	var lf *launcher.LaunchFailedError
	if errors.As(err, &lf) {
		ev.PID = lf.PID
	}
	s.events.Emit(ctx, ev)
	metrics.SetState(s.opts.Service, string(StateStopped))
}

// Stop terminates every process occupying the port, whether recorded or not,
// and clears the registry. Stopping a stopped service succeeds.
func (s *Supervisor) Stop(ctx context.Context) (Result, error) {
	res, err := s.stop(ctx)
	s.finish("stop", err)
	return res, err
}

func (s *Supervisor) stop(ctx context.Context) (Result, error) {
	rec := s.reconciler.Reconcile(ctx, s.request())
	metrics.SetCandidates(s.opts.Service, len(rec.Candidates))
	if len(rec.Candidates) == 0 {
		s.events.Emit(ctx, history.Event{Type: history.EventNoop, Port: s.opts.Port, Detail: "not running"})
	} else {
		s.transition()
	}

	rep, err := s.reap(ctx, rec.Candidates, history.EventStop)
	if err != nil {
		return Result{State: StateOrphaned}, err
	}
	if err := s.registry.Clear(); err != nil {
		return Result{State: StateStopped, Report: rep}, fmt.Errorf("clear pid record: %w", err)
	}
	state := StateStopped
	if len(rep.Denied) > 0 {
		state = StateOrphaned
	}
	metrics.SetState(s.opts.Service, string(state))
	return Result{State: state, Report: rep}, nil
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart(ctx context.Context, mode launcher.Mode) (Result, error) {
	stopped, err := s.stop(ctx)
	if err != nil {
		s.finish("restart", err)
		return stopped, err
	}
	res, err := s.start(ctx, mode)
	res.Report = mergeReports(stopped.Report, res.Report)
	s.finish("restart", err)
	return res, err
}

// reap terminates pids and emits one event of type kind per pid that was
// alive.
func (s *Supervisor) reap(ctx context.Context, pids []int, kind history.EventType) (terminate.Report, error) {
	if len(pids) == 0 {
		return terminate.Report{}, nil
	}
	s.logger.Info("terminating", slog.Any("pids", pids), slog.Duration("grace", s.opts.GracePeriod))
	rep, err := s.terminator.Terminate(ctx, pids, s.opts.GracePeriod)
	if err != nil {
		return rep, fmt.Errorf("terminate %v: %w", pids, err)
	}
	emit := func(pids []int, outcome string) {
		for _, pid := range pids {
			s.events.Emit(ctx, history.Event{Type: kind, PID: pid, Port: s.opts.Port, Detail: outcome})
		}
		metrics.AddTerminations(s.opts.Service, outcome, len(pids))
	}
	emit(rep.Graceful, "graceful")
	emit(rep.Killed, "killed")
	metrics.AddTerminations(s.opts.Service, "gone", len(rep.Gone))
	if len(rep.Denied) > 0 {
		s.logger.Warn("not permitted to terminate", slog.Any("pids", rep.Denied))
		metrics.AddTerminations(s.opts.Service, "denied", len(rep.Denied))
	}
	return rep, nil
}

func (s *Supervisor) transition() {
	metrics.SetState(s.opts.Service, string(StateTransitioning))
}

func (s *Supervisor) finish(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error(op+" failed", slog.Any("error", err))
	}
	metrics.IncOperation(s.opts.Service, op, result)
}

func mergeReports(a, b terminate.Report) terminate.Report {
	return terminate.Report{
		Graceful: append(append([]int(nil), a.Graceful...), b.Graceful...),
		Killed:   append(append([]int(nil), a.Killed...), b.Killed...),
		Gone:     append(append([]int(nil), a.Gone...), b.Gone...),
		Denied:   append(append([]int(nil), a.Denied...), b.Denied...),
	}
}
