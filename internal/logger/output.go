package logger

import (
	"fmt"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// OutputSink is the file that receives stdout and stderr of a detached
// managed process. The child writes to the file descriptor directly, so
// rotation happens once per launch instead of per write.
type OutputSink struct {
	Path       string
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Open rotates any previous non-empty output into a timestamped backup,
// prunes old backups, and returns the fresh file opened for appending.
func (s OutputSink) Open() (*os.File, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("output sink path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if fi, err := os.Stat(s.Path); err == nil && fi.Size() > 0 {
		rot := &lj.Logger{
			Filename:   s.Path,
			MaxBackups: valOr(s.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(s.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   s.Compress,
		}
		if err := rot.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", s.Path, err)
		}
		_ = rot.Close()
	}
	// #nosec G304 -- path comes from operator configuration
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	return f, nil
}
