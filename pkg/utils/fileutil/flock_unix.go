//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package fileutil

import (
	"os"

	"golang.org/x/sys/unix"
)

type unixLock struct {
	f *os.File
}

var _ Releaser = (*unixLock)(nil)

func (l *unixLock) Release() error {
	return l.set(false)
}

func (l *unixLock) set(lock bool) error {
	how := unix.LOCK_UN
	if lock {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(l.f.Fd()), how|unix.LOCK_NB)
}

// NewLock takes a non blocking exclusive lock on f. A held lock fails with EWOULDBLOCK.
func NewLock(f *os.File) (Releaser, error) {
	l := &unixLock{f}
	return l, l.set(true)
}
