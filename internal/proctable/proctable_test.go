//go:build !windows

package proctable

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

func TestIsAliveSelfAndInvalid(t *testing.T) {
	tbl := New(nil)
	if !tbl.IsAlive(os.Getpid()) {
		t.Fatalf("own pid must be alive")
	}
	for _, pid := range []int{0, -1} {
		if tbl.IsAlive(pid) {
			t.Fatalf("pid %d must not be alive", pid)
		}
	}
}

func TestIsAliveReapedChild(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if New(nil).IsAlive(cmd.Process.Pid) {
		t.Fatalf("reaped child %d reported alive", cmd.Process.Pid)
	}
}

func TestIsAliveZombieIsDead(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("zombie detection reads /proc")
	}
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = cmd.Wait() }()
	tbl := New(nil)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !tbl.IsAlive(cmd.Process.Pid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("unreaped exited child should be treated as dead")
}

func TestListenersOnFiltersStatusAndPort(t *testing.T) {
	conns := []psnet.ConnectionStat{
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "127.0.0.1", Port: 8000}, Pid: 42},
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "::", Port: 8000}, Pid: 42},
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "0.0.0.0", Port: 8000}, Pid: 43},
		{Status: "ESTABLISHED", Laddr: psnet.Addr{IP: "127.0.0.1", Port: 8000}, Pid: 44},
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "127.0.0.1", Port: 8001}, Pid: 45},
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "127.0.0.1", Port: 8000}, Pid: 0},
	}
	got := listenersOn(conns, 8000)
	if !slices.Equal(got, []int{42, 43}) {
		t.Fatalf("listenersOn = %v, want [42 43]", got)
	}
}

func TestFindByPortSeesOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	pids, err := New(nil).FindByPort(context.Background(), port)
	if errors.Is(err, ErrReconciliationIncomplete) {
		t.Skipf("socket enumeration unavailable here: %v", err)
	}
	if err != nil {
		t.Fatalf("FindByPort: %v", err)
	}
	if !slices.Contains(pids, os.Getpid()) {
		t.Fatalf("expected own pid %d among listeners %v", os.Getpid(), pids)
	}
}

func TestFindByPortOutOfRange(t *testing.T) {
	pids, err := New(nil).FindByPort(context.Background(), 70000)
	if err != nil || len(pids) != 0 {
		t.Fatalf("expected empty result for invalid port, got %v %v", pids, err)
	}
}

func TestFindByCommandPattern(t *testing.T) {
	marker := "proctable-marker-" + strconv.Itoa(os.Getpid())
	cmd := exec.Command("sh", "-c", "sleep 30; : "+marker)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	tbl := New(nil)
	var pids []int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		pids, err = tbl.FindByCommandPattern(context.Background(), marker)
		if err != nil {
			t.Fatalf("FindByCommandPattern: %v", err)
		}
		if slices.Contains(pids, cmd.Process.Pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d not matched by %q, got %v", cmd.Process.Pid, marker, pids)
}

func TestFindByCommandPatternEmptyAndInvalid(t *testing.T) {
	tbl := New(nil)
	pids, err := tbl.FindByCommandPattern(context.Background(), "  ")
	if err != nil || pids != nil {
		t.Fatalf("empty pattern should match nothing, got %v %v", pids, err)
	}
	if _, err := tbl.FindByCommandPattern(context.Background(), "(["); err == nil {
		t.Fatalf("expected error for invalid regex")
	}
}

func TestSortedUnique(t *testing.T) {
	got := sortedUnique([]int{5, 3, 5, 0, -2, 3, 1})
	if !slices.Equal(got, []int{1, 3, 5}) {
		t.Fatalf("sortedUnique = %v", got)
	}
}

func TestParentOf(t *testing.T) {
	tbl := New(nil)
	ppid, ok := tbl.ParentOf(context.Background(), os.Getpid())
	if !ok || ppid != os.Getppid() {
		t.Fatalf("ParentOf(self) = %d,%v want %d", ppid, ok, os.Getppid())
	}
	if _, ok := tbl.ParentOf(context.Background(), -1); ok {
		t.Fatal("negative pid has no parent")
	}
	if _, ok := tbl.ParentOf(context.Background(), 1<<22); ok {
		t.Fatal("nonexistent pid has no parent")
	}
}

func TestStartedAt(t *testing.T) {
	before := time.Now().Add(-2 * time.Second)
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	tbl := New(nil)
	at, ok := tbl.StartedAt(context.Background(), cmd.Process.Pid)
	if !ok {
		t.Fatal("start time of a live child should be readable")
	}
	if at.Before(before) || at.After(time.Now().Add(2*time.Second)) {
		t.Fatalf("StartedAt = %v, want close to now", at)
	}
	self, ok := tbl.StartedAt(context.Background(), os.Getpid())
	if !ok || !self.Before(at.Add(2*time.Second)) {
		t.Fatalf("own start %v should not be after the child's %v", self, at)
	}
	if _, ok := tbl.StartedAt(context.Background(), 0); ok {
		t.Fatal("pid 0 has no start time")
	}
}
