package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
	"github.com/tracyhatemice/mailsheet/internal/testutil"
)

func TestRunnerStopsOnFatalError(t *testing.T) {
	src := newSource(ref("m1", "a"))
	src.listErrs = []error{
		syncerr.Transient(errors.New("503")),
		syncerr.Auth(errors.New("invalid_grant")),
	}
	rec := newReconciler(src, &fakeSink{}, newStore(t), "")
	rec.opts.Policy.MaxAttempts = 1

	err := NewRunner(rec, time.Millisecond, testutil.Logger()).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.AuthExpired, syncerr.KindOf(err))
	assert.Equal(t, 2, src.listCalls, "a source outage does not stop the runner")
}

func TestRunnerStopsOnCancel(t *testing.T) {
	src := newSource(ref("m1", "a"))
	snk := &fakeSink{}
	rec := newReconciler(src, snk, newStore(t), "")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := NewRunner(rec, 5*time.Millisecond, testutil.Logger()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, snk.ids(), "later passes find nothing new")
	assert.GreaterOrEqual(t, src.listCalls, 2)
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(syncerr.New(syncerr.LedgerUnavailable, "COMMITTING", nil, nil)))
	assert.True(t, Fatal(syncerr.New(syncerr.ConcurrentRunDetected, "", nil, nil)))
	assert.False(t, Fatal(syncerr.New(syncerr.SinkUnavailable, "APPENDING", nil, nil)))
	assert.False(t, Fatal(syncerr.New(syncerr.LedgerUnreadable, "", nil, nil)))
	assert.False(t, Fatal(errors.New("other")))
}
