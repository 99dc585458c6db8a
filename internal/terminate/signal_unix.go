//go:build !windows

package terminate

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

type osSignaler struct{}

func (osSignaler) Signal(pid int, sig syscall.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return errGone
	}
	return err
}
