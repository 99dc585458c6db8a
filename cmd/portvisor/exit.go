package main

import (
	"errors"

	"github.com/loykin/portvisor"
)

const (
	exitOK                 = 0
	exitFailure            = 1
	exitInvalidConfig      = 2
	exitEnvironmentMissing = 3
	exitLaunchFailed       = 4
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, portvisor.ErrInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, portvisor.ErrEnvironmentMissing):
		return exitEnvironmentMissing
	case errors.Is(err, portvisor.ErrLaunchFailed):
		return exitLaunchFailed
	default:
		return exitFailure
	}
}
