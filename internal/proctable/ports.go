package proctable

import (
	"context"
	"fmt"
	"log/slog"

	psnet "github.com/shirou/gopsutil/v4/net"
)

const statusListen = "LISTEN"

// FindByPort lists the owners of LISTEN sockets on port across tcp4 and tcp6.
// Sockets whose owner cannot be resolved (pid 0, usually another user's
// process without privileges) are skipped.
func (t *OS) FindByPort(ctx context.Context, port int) ([]int, error) {
	if port <= 0 || port > 65535 {
		return nil, nil
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		t.Logger.Debug("socket enumeration failed", slog.Int("port", port), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrReconciliationIncomplete, err)
	}
	return listenersOn(conns, port), nil
}

func listenersOn(conns []psnet.ConnectionStat, port int) []int {
	pids := make([]int, 0, 2)
	for _, c := range conns {
		if c.Status != statusListen || int(c.Laddr.Port) != port {
			continue
		}
		pids = append(pids, int(c.Pid))
	}
	return sortedUnique(pids)
}
