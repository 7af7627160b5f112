package ledger

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Lock guards a ledger against concurrent runs. The lock file stays on disk;
// it holds the owner's pid while a run is active and is emptied on release.
// A non-empty file that nobody holds was left by a crashed run and is
// treated as stale.
type Lock struct {
	path string
	file *os.File
}

func lockContent() string {
	return fmt.Sprintf("pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

func describeHolder(content []byte) string {
	s := strings.TrimSpace(string(content))
	if s == "" {
		return "unknown holder"
	}
	return s
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
