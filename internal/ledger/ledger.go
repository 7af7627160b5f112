// Package ledger records which message ids have been delivered to the sink.
// An id is added only after its row was durably appended, and is never
// removed by normal operation.
package ledger

import (
	"context"
	"time"
)

// State is a loaded ledger snapshot.
type State struct {
	// Processed holds every delivered id.
	Processed map[string]struct{}
	// Unmarked holds delivered ids whose mark-read has not been confirmed.
	// It is always a subset of Processed.
	Unmarked   map[string]struct{}
	LastSyncAt time.Time
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		Processed: make(map[string]struct{}),
		Unmarked:  make(map[string]struct{}),
	}
}

// Has reports whether id was delivered.
func (s *State) Has(id string) bool {
	_, ok := s.Processed[id]
	return ok
}

// Apply folds c into s the same way every Store does.
func (s *State) Apply(c Change) {
	for _, id := range c.Delivered {
		if _, done := s.Processed[id]; done {
			continue
		}
		s.Processed[id] = struct{}{}
		s.Unmarked[id] = struct{}{}
	}
	for _, id := range c.Marked {
		delete(s.Unmarked, id)
	}
	if !c.SyncedAt.IsZero() {
		s.LastSyncAt = c.SyncedAt
	}
}

// Change is one durable ledger write.
type Change struct {
	// Delivered ids are added to Processed and flagged unmarked.
	Delivered []string
	// Marked ids have their unmarked flag cleared.
	Marked []string
	// SyncedAt, when non-zero, replaces LastSyncAt.
	SyncedAt time.Time
}

// Empty reports whether c changes nothing.
func (c Change) Empty() bool {
	return len(c.Delivered) == 0 && len(c.Marked) == 0 && c.SyncedAt.IsZero()
}

// Store persists ledger state. Commit must be atomic: after a crash the
// store holds either the state before or after the change, never a
// truncated one.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Commit(ctx context.Context, c Change) error
	Close() error
}
