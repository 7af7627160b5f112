//go:build unix

package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// AcquireLock takes an exclusive, non-blocking flock on path. A held lock or
// a stale one left by a crashed run fails with ConcurrentRunDetected.
func AcquireLock(path string) (*Lock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		content, _ := io.ReadAll(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, syncerr.New(syncerr.ConcurrentRunDetected, "", nil,
				fmt.Errorf("ledger lock %s held by %s", path, describeHolder(content)))
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	if len(content) > 0 {
		unlockAndClose(f)
		return nil, syncerr.New(syncerr.ConcurrentRunDetected, "", nil,
			fmt.Errorf("stale ledger lock %s (%s); check the ledger and clear it with -force-unlock", path, describeHolder(content)))
	}

	if err := writeLockContent(f, lockContent()); err != nil {
		unlockAndClose(f)
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Release empties the lock file and drops the flock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := writeLockContent(l.file, "")
	unlockAndClose(l.file)
	l.file = nil
	return err
}

// ForceUnlock clears a stale lock. It refuses while a live run holds it.
func ForceUnlock(path string) error {
	f, err := openLockFile(path)
	if err != nil {
		return err
	}
	defer unlockAndClose(f)

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return syncerr.New(syncerr.ConcurrentRunDetected, "", nil,
				fmt.Errorf("ledger lock %s is held by a running process", path))
		}
		return fmt.Errorf("lock %s: %w", path, err)
	}
	return writeLockContent(f, "")
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func writeLockContent(f *os.File, content string) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
