//go:build !unix

package core

import (
	"fmt"
	"os"
)

// InstanceLock guards the data directory against a second daemon.
type InstanceLock struct {
	f    *os.File
	path string
}

// AcquireInstanceLock creates path exclusively. A stale file from a crashed
// daemon must be removed by hand.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("another instance holds %s: %w", path, err)
	}
	return &InstanceLock{f: f, path: path}, nil
}

// Release closes and removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.f.Close()
	l.f = nil
	return os.Remove(l.path)
}
