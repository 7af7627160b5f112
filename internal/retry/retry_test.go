package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return syncerr.Transient(errors.New("429"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	var notified []int
	p := fastPolicy(3)
	p.Notify = func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) }

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return syncerr.Transient(errors.New("503"))
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	authErr := syncerr.Auth(errors.New("invalid_grant"))
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return authErr
	})
	assert.Equal(t, 1, calls)
	assert.True(t, syncerr.IsAuth(err))
}

func TestDoSingleAttempt(t *testing.T) {
	calls := 0
	_ = fastPolicy(0).Do(context.Background(), func(context.Context) error {
		calls++
		return syncerr.Transient(errors.New("x"))
	})
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	err := p.Do(ctx, func(context.Context) error {
		return syncerr.Transient(errors.New("x"))
	})
	assert.Error(t, err)
}
