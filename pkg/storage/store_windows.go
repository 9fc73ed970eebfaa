package storage

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

func isEphemeralError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case windows.ERROR_SHARING_VIOLATION, windows.ERROR_LOCK_VIOLATION:
			return true
		}
	}
	return false
}
