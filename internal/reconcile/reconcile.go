package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/portvisor/internal/proctable"
)

// PIDSource yields the recorded pid of the managed instance, if any.
type PIDSource interface {
	Read() (int, bool)
}

// stampedSource is implemented by PID sources that know when the record was
// written.
type stampedSource interface {
	Stamp() (time.Time, bool)
}

// startTimes is implemented by tables that can report process creation time.
type startTimes interface {
	StartedAt(ctx context.Context, pid int) (time.Time, bool)
}

// stampSlack absorbs clock granularity between process start times and file
// modification times. A genuine record is always written after its process
// started.
const stampSlack = 2 * time.Second

// Request describes one reconciliation pass.
type Request struct {
	Port      int
	Pattern   string
	SelfPID   int
	ParentPID int
}

// Result is the outcome of a reconciliation pass.
type Result struct {
	// Candidates is the sorted set of pids to terminate before a fresh launch.
	Candidates []int
	// Holders are the pids listening on the port at the time of the pass.
	Holders []int
	// Matched are the pids whose command line matched the pattern.
	Matched []int
	// RecordedPID is the registry hint, 0 when absent or stale.
	RecordedPID int
	// StalePID is a recorded pid now owned by a process that started after
	// the record was written. The record alone no longer makes it a candidate.
	StalePID int
	// Incomplete is set when the port could not be enumerated and the
	// candidate set was built from the pattern and registry alone.
	Incomplete bool
}

// Reconciler computes the set of processes occupying the managed port from
// live OS state. The registry is consulted as a hint only.
type Reconciler struct {
	Table    proctable.Table
	Registry PIDSource
	Logger   *slog.Logger
}

func New(table proctable.Table, reg PIDSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Table: table, Registry: reg, Logger: logger}
}

// Reconcile unions port holders, pattern matches and the recorded pid,
// then removes SelfPID and ParentPID so an invocation never targets its own
// chain. Lookup failures degrade the result; they never abort it.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) Result {
	var res Result

	holders, err := r.Table.FindByPort(ctx, req.Port)
	switch {
	case errors.Is(err, proctable.ErrReconciliationIncomplete):
		res.Incomplete = true
		r.Logger.Warn("port enumeration unavailable, falling back to command pattern",
			slog.Int("port", req.Port), slog.Any("error", err))
	case err != nil:
		res.Incomplete = true
		r.Logger.Warn("port lookup failed", slog.Int("port", req.Port), slog.Any("error", err))
	}
	res.Holders = holders

	matched, err := r.Table.FindByCommandPattern(ctx, req.Pattern)
	if err != nil {
		r.Logger.Warn("command pattern lookup failed", slog.String("pattern", req.Pattern), slog.Any("error", err))
	}
	res.Matched = matched

	if r.Registry != nil {
		if pid, ok := r.Registry.Read(); ok {
			if r.reused(ctx, pid) {
				res.StalePID = pid
				r.Logger.Warn("recorded pid belongs to a newer process, ignoring record", slog.Int("pid", pid))
			} else {
				res.RecordedPID = pid
			}
		}
	}

	res.Candidates = candidates(req, res.Holders, res.Matched, res.RecordedPID)
	r.Logger.Debug("reconciled",
		slog.Int("port", req.Port),
		slog.Any("holders", res.Holders),
		slog.Any("matched", res.Matched),
		slog.Int("recorded", res.RecordedPID),
		slog.Int("stale", res.StalePID),
		slog.Any("candidates", res.Candidates))
	return res
}

// reused reports whether pid started after the record naming it was written,
// meaning the original process died and the pid was handed out again. Without
// both timestamps the record is trusted.
func (r *Reconciler) reused(ctx context.Context, pid int) bool {
	ss, ok := r.Registry.(stampedSource)
	if !ok {
		return false
	}
	st, ok := r.Table.(startTimes)
	if !ok {
		return false
	}
	written, ok := ss.Stamp()
	if !ok {
		return false
	}
	started, ok := st.StartedAt(ctx, pid)
	if !ok {
		return false
	}
	return started.After(written.Add(stampSlack))
}

func candidates(req Request, holders, matched []int, recorded int) []int {
	set := make(map[int]struct{}, len(holders)+len(matched)+1)
	add := func(pid int) {
		if pid <= 0 || pid == req.SelfPID || pid == req.ParentPID {
			return
		}
		set[pid] = struct{}{}
	}
	for _, p := range holders {
		add(p)
	}
	for _, p := range matched {
		add(p)
	}
	add(recorded)

	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
