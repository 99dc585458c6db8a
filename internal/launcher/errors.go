package launcher

import (
	"errors"
	"fmt"
)

// ErrEnvironmentMissing means the runtime the managed process depends on has
// not been provisioned. It is fatal and never retried.
var ErrEnvironmentMissing = errors.New("runtime environment missing")

// ErrLaunchFailed matches any *LaunchFailedError.
var ErrLaunchFailed = errors.New("launch failed")

// LaunchFailedError reports a spawn that did not survive its liveness check.
type LaunchFailedError struct {
	PID     int
	LogPath string
	Err     error
}

func (e *LaunchFailedError) Error() string {
	msg := fmt.Sprintf("launch failed: pid %d: %v", e.PID, e.Err)
	if e.LogPath != "" {
		msg += " (see " + e.LogPath + ")"
	}
	return msg
}

func (e *LaunchFailedError) Unwrap() error { return e.Err }

func (e *LaunchFailedError) Is(target error) bool { return target == ErrLaunchFailed }
