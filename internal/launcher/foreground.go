package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"
)

// launchForeground runs the development server attached to the terminal. With
// watch paths configured, file changes terminate and relaunch the child. It
// returns when the child exits on its own, when an operator signal stops it,
// or when ctx ends.
func (l *Launcher) launchForeground(ctx context.Context) (int, error) {
	line, err := l.render(l.opts.DevCommand)
	if err != nil {
		return 0, &LaunchFailedError{Err: err}
	}

	var changes <-chan struct{}
	if len(l.opts.Watch) > 0 {
		w, err := newWatcher(l.opts.Watch, l.opts.Debounce, l.logger)
		if err != nil {
			return 0, err
		}
		defer w.Close()
		go w.run(ctx)
		changes = w.changes
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	env := append(append([]string(nil), l.opts.Env...), l.opts.ReloadEnv...)
	for {
		cmd, err := l.buildCommand(line)
		if err != nil {
			return 0, &LaunchFailedError{Err: err}
		}
		cmd.Dir = l.opts.WorkDir
		cmd.Env = env
		cmd.Stdin = l.Stdin
		cmd.Stdout = l.Stdout
		cmd.Stderr = l.Stderr

		start := time.Now()
		if err := cmd.Start(); err != nil {
			return 0, &LaunchFailedError{Err: err}
		}
		pid := cmd.Process.Pid
		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		if err := l.registry.Write(pid); err != nil {
			_, _ = l.term.Terminate(context.WithoutCancel(ctx), []int{pid}, l.opts.GracePeriod)
			<-exited
			return 0, &LaunchFailedError{PID: pid, Err: fmt.Errorf("record pid: %w", err)}
		}
		l.running(pid)
		l.logger.Info("running in foreground", slog.Int("pid", pid), slog.Int("port", l.opts.Port), slog.String("command", line))

		reload, err := l.supervise(ctx, pid, exited, changes, sigCh, start)
		if cerr := l.registry.ClearIf(pid); cerr != nil {
			l.logger.Warn("clear pid record", slog.Any("error", cerr))
		}
		if !reload {
			return pid, err
		}
		l.logger.Info("change detected, relaunching", slog.Int("pid", pid))
	}
}

// supervise waits on one child. It reports whether the child was stopped
// for a reload.
func (l *Launcher) supervise(ctx context.Context, pid int, exited <-chan error, changes <-chan struct{}, sigCh <-chan os.Signal, start time.Time) (bool, error) {
	stop := func() {
		_, _ = l.term.Terminate(context.WithoutCancel(ctx), []int{pid}, l.opts.GracePeriod)
		<-exited
	}
	for {
		select {
		case err := <-exited:
			if err == nil {
				return false, nil
			}
			if time.Since(start) < l.opts.StartDuration {
				return false, &LaunchFailedError{PID: pid, Err: err}
			}
			return false, fmt.Errorf("managed process exited: %w", err)
		case <-changes:
			stop()
			return true, nil
		case sig := <-sigCh:
			l.logger.Info("forwarding signal", slog.String("signal", sig.String()), slog.Int("pid", pid))
			if err := forward(pid, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				l.logger.Warn("forward signal", slog.Any("error", err))
			}
			return false, l.drain(ctx, pid, exited)
		case <-ctx.Done():
			stop()
			return false, ctx.Err()
		}
	}
}

// drain waits for a signalled child to exit, escalating after the grace
// period.
func (l *Launcher) drain(ctx context.Context, pid int, exited <-chan error) error {
	grace := l.opts.GracePeriod
	if grace <= 0 {
		grace = time.Second
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-exited:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	_, err := l.term.Terminate(context.WithoutCancel(ctx), []int{pid}, 0)
	<-exited
	return err
}
