package proctable

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// ErrReconciliationIncomplete is returned by FindByPort when the OS facility
// used to enumerate sockets is unavailable. The returned pid set is empty and
// callers are expected to continue with the remaining sources.
var ErrReconciliationIncomplete = errors.New("port enumeration unavailable")

// Table is a read-only view of the OS process table.
// Implementations must never report "not found" as an error.
type Table interface {
	// IsAlive reports whether pid exists and can be signaled by this user.
	IsAlive(pid int) bool
	// FindByPort returns every pid holding a listening socket on port.
	FindByPort(ctx context.Context, port int) ([]int, error)
	// FindByCommandPattern returns every pid whose command line matches pattern.
	FindByCommandPattern(ctx context.Context, pattern string) ([]int, error)
}

// OS is the Table backed by the running kernel.
type OS struct {
	Logger *slog.Logger
}

func New(logger *slog.Logger) *OS {
	if logger == nil {
		logger = slog.Default()
	}
	return &OS{Logger: logger}
}

// sortedUnique returns a sorted copy of pids without duplicates or non-positive values.
func sortedUnique(pids []int) []int {
	seen := make(map[int]struct{}, len(pids))
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if p <= 0 {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
