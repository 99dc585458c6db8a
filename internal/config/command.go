package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"
)

// ErrEmptyCommand is returned when a command template renders to nothing.
var ErrEmptyCommand = errors.New("command template rendered an empty command line")

// CommandData is what dev and prod command templates can reference.
type CommandData struct {
	Name           string
	Host           string
	Port           int
	App            string
	Workers        int
	Timeout        time.Duration
	TimeoutSeconds int
	Runtime        string
}

// CommandData returns the template values for the configured service.
func (c *Config) CommandData() CommandData {
	return CommandData{
		Name:           c.Service.Name,
		Host:           c.Service.Host,
		Port:           c.Service.Port,
		App:            c.Service.App,
		Workers:        c.Prod.Workers,
		Timeout:        c.Prod.Timeout,
		TimeoutSeconds: int(c.Prod.Timeout / time.Second),
		Runtime:        c.Runtime.Dir,
	}
}

// RenderCommand expands tpl with d. Unknown fields and blank results are
// errors.
func RenderCommand(tpl string, d CommandData) (string, error) {
	t, err := template.New("command").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("parse command template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render command template: %w", err)
	}
	line := strings.TrimSpace(buf.String())
	if line == "" {
		return "", ErrEmptyCommand
	}
	return line, nil
}

// ShellMetachars are the characters that make a command line need a shell.
const ShellMetachars = "|&;<>*?`$\"'(){}[]~"

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true}

// derivePattern matches the rendered dev and prod command lines as they
// appear in a process table: the program, by base name since the launcher
// may resolve it into the runtime, followed by its exact arguments. The
// rendered arguments carry the port, so other services running the same
// program are not matched. Lines that need a shell are skipped because the
// process table shows the shell.
func (c *Config) derivePattern() string {
	d := c.CommandData()
	var alts []string
	seen := map[string]bool{}
	for _, tpl := range []string{c.Dev.Command, c.Prod.Command} {
		line, err := RenderCommand(tpl, d)
		if err != nil || strings.ContainsAny(line, ShellMetachars) {
			continue
		}
		fields := strings.Fields(line)
		prog := filepath.Base(fields[0])
		if shells[prog] {
			continue
		}
		alt := regexp.QuoteMeta(strings.Join(append([]string{prog}, fields[1:]...), " "))
		if seen[alt] {
			continue
		}
		seen[alt] = true
		alts = append(alts, alt)
	}
	if len(alts) == 0 {
		return ""
	}
	return `(^|[/ ])(` + strings.Join(alts, "|") + `)( |$)`
}
