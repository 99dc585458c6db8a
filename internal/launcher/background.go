package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// launchBackground detaches the worker-pool server, confirms it survives the
// start window and commits its pid.
func (l *Launcher) launchBackground(ctx context.Context) (int, error) {
	line, err := l.render(l.opts.ProdCommand)
	if err != nil {
		return 0, &LaunchFailedError{LogPath: l.opts.Output.Path, Err: err}
	}
	cmd, err := l.buildCommand(line)
	if err != nil {
		return 0, &LaunchFailedError{LogPath: l.opts.Output.Path, Err: err}
	}
	out, err := l.opts.Output.Open()
	if err != nil {
		return 0, err
	}

	cmd.Dir = l.opts.WorkDir
	cmd.Env = l.opts.Env
	cmd.Stdin = nil // null device
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)

	start := time.Now()
	err = cmd.Start()
	_ = out.Close()
	if err != nil {
		return 0, &LaunchFailedError{LogPath: l.opts.Output.Path, Err: err}
	}
	pid := cmd.Process.Pid
	l.logger.Info("spawned", slog.Int("pid", pid), slog.String("command", line), slog.String("log", l.opts.Output.Path))

	// Reap in the background so an early exit is observed rather than
	// lingering as a zombie.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// Nothing half-started is left behind: the child and whatever it forked
	// into its session go down with the failure.
	fail := func(err error) (int, error) {
		l.logger.Error("launch failed", slog.Int("pid", pid), slog.Any("error", err), slog.Duration("after", time.Since(start)))
		l.abandon(ctx, pid)
		return 0, &LaunchFailedError{PID: pid, LogPath: l.opts.Output.Path, Err: err}
	}

	if err := l.waitAlive(ctx, pid, exited, l.opts.StartDuration); err != nil {
		return fail(err)
	}
	if l.opts.WaitForPort {
		if err := l.waitBound(ctx, pid, exited); err != nil {
			return fail(err)
		}
	}

	if err := l.registry.Write(pid); err != nil {
		return fail(fmt.Errorf("record pid: %w", err))
	}
	l.running(pid)
	l.logger.Info("running", slog.Int("pid", pid), slog.Int("port", l.opts.Port), slog.Duration("startup", time.Since(start)))
	return pid, nil
}

// abandon stops a detached child that will not be recorded. The child leads
// its own session, so its process group is swept as well.
func (l *Launcher) abandon(ctx context.Context, pid int) {
	ctx = context.WithoutCancel(ctx)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		l.logger.Warn("signal process group", slog.Int("pgid", pid), slog.Any("error", err))
	}
	if _, err := l.term.Terminate(ctx, []int{pid}, l.opts.GracePeriod); err != nil {
		l.logger.Warn("terminate failed launch", slog.Int("pid", pid), slog.Any("error", err))
	}
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		l.logger.Warn("kill process group", slog.Int("pgid", pid), slog.Any("error", err))
	}
}
