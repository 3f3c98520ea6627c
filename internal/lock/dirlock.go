package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DirLockName is the lock file created inside a locked directory.
const DirLockName = ".provisiond.lock"

const dirLockPoll = 50 * time.Millisecond

// DirLock is an exclusive lock on a working directory.
type DirLock struct {
	f *os.File
}

// AcquireDirLock blocks until the lock on dir is held or ctx is done.
func AcquireDirLock(ctx context.Context, dir string) (*DirLock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	f, err := openLockFile(filepath.Join(dir, DirLockName))
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(dirLockPoll)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &DirLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", dir, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", dir, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
