//go:build windows

package terminate

import (
	"errors"
	"os"
	"syscall"
)

// osSignaler on Windows can only kill; SIGTERM is delivered as a kill as well.
type osSignaler struct{}

func (osSignaler) Signal(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return errGone
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return errGone
		}
		return err
	}
	return nil
}
