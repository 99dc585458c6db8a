package proctable

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ParentOf returns the parent pid of pid, or false if it cannot be read.
func (t *OS) ParentOf(ctx context.Context, pid int) (int, bool) {
	if pid <= 0 {
		return 0, false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, false
	}
	ppid, err := p.PpidWithContext(ctx)
	if err != nil || ppid <= 0 {
		return 0, false
	}
	return int(ppid), true
}

// StartedAt returns when pid was created, or false if it cannot be read.
func (t *OS) StartedAt(ctx context.Context, pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
