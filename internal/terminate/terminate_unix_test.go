//go:build !windows

package terminate

import (
	"context"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/loykin/portvisor/internal/proctable"
)

// startReaped starts cmd and reaps it in the background so that the kernel
// does not keep a zombie around once it exits.
func startReaped(t *testing.T, cmd *exec.Cmd) (pid int, done <-chan struct{}) {
	t.Helper()
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(ch)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-ch
	})
	return cmd.Process.Pid, ch
}

func TestTerminateRealProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	polite, politeDone := startReaped(t, exec.Command("sleep", "30"))
	// The trap makes the shell ignore SIGTERM; the loop keeps it busy.
	stubborn, stubbornDone := startReaped(t, exec.Command("sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`))
	time.Sleep(100 * time.Millisecond) // let the trap install

	term := New(proctable.New(nil), nil)
	term.PollInterval = 10 * time.Millisecond
	rep, err := term.Terminate(context.Background(), []int{polite, stubborn}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !slices.Contains(rep.Graceful, polite) {
		t.Fatalf("sleep should exit on SIGTERM: %+v", rep)
	}
	if !slices.Contains(rep.Killed, stubborn) {
		t.Fatalf("trapping shell should be killed: %+v", rep)
	}
	for name, ch := range map[string]<-chan struct{}{"polite": politeDone, "stubborn": stubbornDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s process still running", name)
		}
	}
}
