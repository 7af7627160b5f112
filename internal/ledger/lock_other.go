//go:build !unix

package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// AcquireLock creates path exclusively. Without flock a crashed run's lock
// cannot be told apart from a live one, so any existing file fails with
// ConcurrentRunDetected.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			content, _ := os.ReadFile(path)
			return nil, syncerr.New(syncerr.ConcurrentRunDetected, "", nil,
				fmt.Errorf("ledger lock %s exists (%s); clear it with -force-unlock if no run is active", path, describeHolder(content)))
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if _, err := f.WriteString(lockContent()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.file.Close()
	l.file = nil
	return os.Remove(l.path)
}

// ForceUnlock removes the lock file.
func ForceUnlock(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
