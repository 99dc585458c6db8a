package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/loykin/portvisor/internal/reconcile"
	"github.com/loykin/portvisor/internal/terminate"
)

// State is the supervisor's view of the managed service.
type State string

const (
	StateStopped       State = "stopped"
	StateRunning       State = "running"
	StateOrphaned      State = "orphaned"
	StateTransitioning State = "transitioning"
)

// Status is a point-in-time classification of the service.
type Status struct {
	State       State     `json:"state"`
	Service     string    `json:"service"`
	Port        int       `json:"port"`
	PID         int       `json:"pid,omitempty"`
	RecordedPID int       `json:"recorded_pid,omitempty"`
	Holders     []int     `json:"holders,omitempty"`
	Matched     []int     `json:"matched,omitempty"`
	Candidates  []int     `json:"candidates,omitempty"`
	Incomplete  bool      `json:"incomplete,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// String renders the one-line form printed by the CLI.
func (s Status) String() string {
	switch s.State {
	case StateRunning, StateOrphaned:
		return fmt.Sprintf("%s pid=%d port=%d", s.State, s.PID, s.Port)
	default:
		return string(s.State)
	}
}

// Result is the outcome of a mutating operation.
type Result struct {
	State          State
	PID            int
	AlreadyRunning bool
	Report         terminate.Report
}

// Line renders the one-line form printed by the CLI.
func (r Result) Line(port int) string {
	switch {
	case r.AlreadyRunning:
		return fmt.Sprintf("already running pid=%d", r.PID)
	case r.State == StateRunning:
		return fmt.Sprintf("running pid=%d port=%d", r.PID, port)
	case r.State == StateOrphaned && len(r.Report.Denied) > 0:
		return fmt.Sprintf("orphaned pid=%d port=%d", r.Report.Denied[0], port)
	default:
		return string(r.State)
	}
}

// classify maps a reconciliation pass to a state. Dead pids are ignored: a
// stale record alone means stopped.
func (s *Supervisor) classify(ctx context.Context, rec reconcile.Result) Status {
	st := Status{
		Service:     s.opts.Service,
		Port:        s.opts.Port,
		RecordedPID: rec.RecordedPID,
		Holders:     rec.Holders,
		Matched:     rec.Matched,
		Incomplete:  rec.Incomplete,
		CheckedAt:   time.Now().UTC(),
	}
	for _, pid := range rec.Candidates {
		if s.table.IsAlive(pid) {
			st.Candidates = append(st.Candidates, pid)
		}
	}

	recorded := rec.RecordedPID
	recordedAlive := recorded > 0 && slices.Contains(st.Candidates, recorded)
	switch {
	case len(st.Candidates) == 0:
		st.State = StateStopped
	case recordedAlive && s.servesPort(ctx, recorded, rec):
		st.State = StateRunning
		st.PID = recorded
	default:
		st.State = StateOrphaned
		st.PID = s.orphan(rec, st.Candidates)
	}
	if recorded > 0 && !recordedAlive {
		s.logger.Debug("stale pid record", slog.Int("pid", recorded))
	}
	return st
}

// servesPort reports whether pid holds the port itself or through a direct
// child, as reloaders and pre-fork servers do. Without port information the
// live record is trusted.
func (s *Supervisor) servesPort(ctx context.Context, pid int, rec reconcile.Result) bool {
	if rec.Incomplete {
		return true
	}
	if slices.Contains(rec.Holders, pid) {
		return true
	}
	pl, ok := s.table.(parentLookup)
	if !ok {
		return false
	}
	for _, h := range rec.Holders {
		if ppid, ok := pl.ParentOf(ctx, h); ok && ppid == pid {
			return true
		}
	}
	return false
}

// orphan picks the pid to report for an orphaned service: a foreign port
// holder first, then the record, then a pattern match.
func (s *Supervisor) orphan(rec reconcile.Result, live []int) int {
	for _, h := range rec.Holders {
		if h != rec.RecordedPID && slices.Contains(live, h) {
			return h
		}
	}
	if rec.RecordedPID > 0 && slices.Contains(live, rec.RecordedPID) {
		return rec.RecordedPID
	}
	return live[0]
}
