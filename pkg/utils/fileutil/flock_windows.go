package fileutil

import (
	"os"

	"golang.org/x/sys/windows"
)

const lockedBytes = 1

type windowsLock struct {
	fd windows.Handle
}

var _ Releaser = (*windowsLock)(nil)

func (fl *windowsLock) Release() error {
	return windows.UnlockFileEx(fl.fd, 0, lockedBytes, 0, &windows.Overlapped{})
}

// lookup err from https://docs.microsoft.com/zh-cn/windows/win32/debug/system-error-codes--0-499-?redirectedfrom=MSDN
func (fl *windowsLock) lock() error {
	return windows.LockFileEx(fl.fd, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, lockedBytes, 0, &windows.Overlapped{})
}

func NewLock(f *os.File) (Releaser, error) {
	l := &windowsLock{windows.Handle(f.Fd())}
	return l, l.lock()
}
