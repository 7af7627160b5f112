package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(SinkUnavailable, "APPENDING", []string{"m1", "m2"}, errors.New("503"))
	assert.Equal(t, "SinkUnavailable in APPENDING (ids: m1,m2): 503", err.Error())
}

func TestKindOf(t *testing.T) {
	t.Run("wrapped error", func(t *testing.T) {
		err := fmt.Errorf("run: %w", New(ConcurrentRunDetected, "", nil, nil))
		assert.Equal(t, ConcurrentRunDetected, KindOf(err))
	})

	t.Run("auth marker", func(t *testing.T) {
		assert.Equal(t, AuthExpired, KindOf(Auth(errors.New("invalid_grant"))))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	})
}

func TestMarkers(t *testing.T) {
	base := errors.New("timeout")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsAmbiguous(Transient(base)))

	amb := fmt.Errorf("append: %w", Ambiguous(base))
	assert.True(t, IsAmbiguous(amb))
	assert.True(t, IsTransient(amb), "ambiguous errors are retryable")
	assert.ErrorIs(t, amb, base)

	assert.False(t, IsTransient(Auth(base)))
	assert.Nil(t, Transient(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "LedgerUnavailable", LedgerUnavailable.String())
	assert.Equal(t, "LedgerUnreadable", LedgerUnreadable.String())
	assert.Equal(t, "PartialMarkFailure", PartialMarkFailure.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
