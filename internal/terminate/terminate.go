package terminate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// DefaultPollInterval is how often liveness is re-checked during the grace period.
const DefaultPollInterval = 50 * time.Millisecond

// ErrSignalUnavailable means the signaling facility itself failed; it is the
// only condition Terminate reports as an error.
var ErrSignalUnavailable = errors.New("signal delivery unavailable")

// errGone is returned by a Signaler when the target no longer exists.
var errGone = errors.New("process does not exist")

// Liveness reports whether a pid still exists.
type Liveness interface {
	IsAlive(pid int) bool
}

// Signaler delivers sig to pid. Implementations return errGone when the
// target no longer exists.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// Report lists what happened to every pid passed to Terminate.
type Report struct {
	// Graceful exited within the grace period after SIGTERM.
	Graceful []int
	// Killed were still alive after the grace period and received SIGKILL.
	Killed []int
	// Gone had already exited before any signal was delivered.
	Gone []int
	// Denied could not be signaled for lack of permission.
	Denied []int
}

// Terminator applies a graceful-then-forceful termination protocol.
type Terminator struct {
	Alive        Liveness
	Signals      Signaler
	PollInterval time.Duration
	Logger       *slog.Logger
}

func New(alive Liveness, logger *slog.Logger) *Terminator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminator{Alive: alive, Signals: osSignaler{}, PollInterval: DefaultPollInterval, Logger: logger}
}

// Terminate sends SIGTERM to every pid, polls until they are all gone or grace
// elapses, then sends SIGKILL to the survivors and returns without waiting
// further. Signals to pids that have already exited are no-ops.
func (t *Terminator) Terminate(ctx context.Context, pids []int, grace time.Duration) (Report, error) {
	var rep Report
	if len(pids) == 0 {
		return rep, nil
	}

	pending := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		err := t.Signals.Signal(pid, syscall.SIGTERM)
		switch {
		case err == nil:
			t.Logger.Debug("sent SIGTERM", slog.Int("pid", pid))
			pending = append(pending, pid)
		case errors.Is(err, errGone):
			rep.Gone = append(rep.Gone, pid)
		case errors.Is(err, syscall.EPERM):
			t.Logger.Warn("not permitted to signal process", slog.Int("pid", pid))
			rep.Denied = append(rep.Denied, pid)
		default:
			return rep, fmt.Errorf("%w: SIGTERM to %d: %v", ErrSignalUnavailable, pid, err)
		}
	}

	pending = t.await(ctx, pending, grace, &rep)

	for _, pid := range pending {
		err := t.Signals.Signal(pid, syscall.SIGKILL)
		switch {
		case err == nil:
			t.Logger.Info("escalated to SIGKILL", slog.Int("pid", pid), slog.Duration("grace", grace))
			rep.Killed = append(rep.Killed, pid)
		case errors.Is(err, errGone):
			// exited between the last check and the kill
			rep.Graceful = append(rep.Graceful, pid)
		case errors.Is(err, syscall.EPERM):
			rep.Denied = append(rep.Denied, pid)
		default:
			return rep, fmt.Errorf("%w: SIGKILL to %d: %v", ErrSignalUnavailable, pid, err)
		}
	}
	return rep, nil
}

// await polls liveness until every pid is gone, grace elapses or ctx ends.
// It returns the pids still alive.
func (t *Terminator) await(ctx context.Context, pending []int, grace time.Duration, rep *Report) []int {
	interval := t.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(grace)
	for {
		alive := pending[:0]
		for _, pid := range pending {
			if t.Alive.IsAlive(pid) {
				alive = append(alive, pid)
			} else {
				rep.Graceful = append(rep.Graceful, pid)
			}
		}
		pending = alive
		if len(pending) == 0 {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pending
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pending
		case <-timer.C:
		}
	}
}
