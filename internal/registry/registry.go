package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Registry persists the pid of the managed instance in a single file.
// The record is a hint: a missing or malformed file reads as "no record",
// never as an error, and a present record may name a dead process.
type Registry struct {
	path string
}

func New(path string) *Registry { return &Registry{path: path} }

func (r *Registry) Path() string { return r.path }

// Read returns the recorded pid. ok is false when the file is absent,
// unreadable, or does not hold a single positive integer.
func (r *Registry) Read() (pid int, ok bool) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return 0, false
	}
	return parse(b)
}

// Stamp returns when the record was last written. ok is false when there is
// no record file.
func (r *Registry) Stamp() (time.Time, bool) {
	fi, err := os.Stat(r.path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

func parse(b []byte) (int, bool) {
	// Tolerate a trailing newline and legacy files that carried extra lines
	// after the pid.
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Write replaces the record with pid. The content is written to a temporary
// file in the same directory, synced, and renamed over the record, so readers
// observe either the previous pid or the new one.
func (r *Registry) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp pid file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp pid file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp pid file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp pid file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		cleanup()
		return fmt.Errorf("commit pid file: %w", err)
	}
	return nil
}

// Clear removes the record. Removing an absent record is not an error.
func (r *Registry) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// ClearIf removes the record only when it still names pid. It is used after a
// foreground child exits so that a newer record written by a concurrent
// invocation is left alone.
func (r *Registry) ClearIf(pid int) error {
	cur, ok := r.Read()
	if !ok || cur != pid {
		return nil
	}
	return r.Clear()
}
