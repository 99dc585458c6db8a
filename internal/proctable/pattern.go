package proctable

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// FindByCommandPattern matches pattern, a regular expression, against the full
// command line of every visible process. An empty pattern matches nothing.
// The calling process is never reported.
func (t *OS) FindByCommandPattern(ctx context.Context, pattern string) ([]int, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid command pattern %q: %w", pattern, err)
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	pids := make([]int, 0)
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			// exited meanwhile or not readable
			continue
		}
		if re.MatchString(cmdline) {
			pids = append(pids, int(p.Pid))
		}
	}
	return sortedUnique(pids), nil
}
