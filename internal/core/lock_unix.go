//go:build unix

package core

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// InstanceLock guards the data directory against a second daemon.
type InstanceLock struct {
	f *os.File
}

// AcquireInstanceLock takes an exclusive non-blocking flock on path.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another instance holds %s", path)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &InstanceLock{f: f}, nil
}

// Release drops the lock and closes the file.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
