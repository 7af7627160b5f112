package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// Runner repeats reconciliation passes on an interval. Passes run one at a
// time on the caller's goroutine.
type Runner struct {
	rec      *Reconciler
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a Runner. interval must be positive.
func NewRunner(rec *Reconciler, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{rec: rec, interval: interval, logger: logger}
}

// Run runs a pass immediately and then on every tick until ctx is cancelled
// or a pass fails in a way another pass cannot fix.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting runner", "interval", r.interval)

	if err := r.pass(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopped")
			return nil
		case <-ticker.C:
			if err := r.pass(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) pass(ctx context.Context) error {
	_, err := r.rec.Run(ctx)
	if err != nil && Fatal(err) {
		return err
	}
	return nil
}

// Fatal reports whether err should stop periodic runs. Expired credentials
// and lock conflicts need an operator, and a failed ledger write would turn
// the next pass into a duplicate.
func Fatal(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.AuthExpired, syncerr.ConcurrentRunDetected, syncerr.LedgerUnavailable:
		return true
	}
	return false
}
