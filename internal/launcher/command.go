package launcher

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/config"
)

func (l *Launcher) data() config.CommandData {
	return config.CommandData{
		Name:           l.opts.Name,
		Host:           l.opts.Host,
		Port:           l.opts.Port,
		App:            l.opts.App,
		Workers:        l.opts.Workers,
		Timeout:        l.opts.Timeout,
		TimeoutSeconds: int(l.opts.Timeout / time.Second),
		Runtime:        l.opts.RuntimeDir,
	}
}

// render expands a command template. A blank result is an error.
func (l *Launcher) render(tpl string) (string, error) {
	return config.RenderCommand(tpl, l.data())
}

func (l *Launcher) runtimeBin() string {
	if l.opts.RuntimeBin == "" {
		return "bin"
	}
	return l.opts.RuntimeBin
}

func (l *Launcher) binDir() string { return filepath.Join(l.opts.RuntimeDir, l.runtimeBin()) }

// buildCommand turns a rendered command line into an *exec.Cmd. A shell is
// only used when the line needs one; an explicit "sh -c" prefix is honored
// without double-wrapping. Bare program names are looked up in the runtime's
// bin directory first, as an activated virtualenv would.
func (l *Launcher) buildCommand(cmdStr string) (*exec.Cmd, error) {
	cmdStr = strings.TrimSpace(cmdStr)
	if after, ok := parseExplicitShell(cmdStr); ok {
		if strings.TrimSpace(after) == "" {
			return nil, config.ErrEmptyCommand
		}
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after), nil
	}
	if strings.ContainsAny(cmdStr, config.ShellMetachars) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return nil, config.ErrEmptyCommand
	}
	name := l.resolveProgram(parts[0])
	// #nosec G204 -- command comes from operator configuration
	return exec.Command(name, parts[1:]...), nil
}

func (l *Launcher) resolveProgram(name string) string {
	if strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	candidate := filepath.Join(l.binDir(), name)
	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
		return candidate
	}
	return name
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
