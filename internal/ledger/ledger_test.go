package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateApply(t *testing.T) {
	st := NewState()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	st.Apply(Change{Delivered: []string{"m1", "m2"}, SyncedAt: at})
	assert.True(t, st.Has("m1"))
	assert.Len(t, st.Unmarked, 2)
	assert.Equal(t, at, st.LastSyncAt)

	st.Apply(Change{Marked: []string{"m1"}})
	assert.NotContains(t, st.Unmarked, "m1")
	assert.Contains(t, st.Unmarked, "m2")
	assert.Equal(t, at, st.LastSyncAt, "zero SyncedAt keeps the previous value")

	// Redelivering an already processed id must not resurrect its unmarked flag.
	st.Apply(Change{Delivered: []string{"m1"}})
	assert.NotContains(t, st.Unmarked, "m1")
}

func TestChangeEmpty(t *testing.T) {
	assert.True(t, Change{}.Empty())
	assert.False(t, Change{Marked: []string{"x"}}.Empty())
	assert.False(t, Change{SyncedAt: time.Now()}.Empty())
}

// exerciseStore runs the behaviour every Store implementation shares.
// reopen must return a fresh Store over the same backing storage.
func exerciseStore(t *testing.T, reopen func() Store) {
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s := reopen()
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Processed)
	assert.True(t, st.LastSyncAt.IsZero())

	require.NoError(t, s.Commit(ctx, Change{Delivered: []string{"m1", "m2", "m3"}, SyncedAt: at}))
	require.NoError(t, s.Commit(ctx, Change{Marked: []string{"m1", "m3"}}))
	require.NoError(t, s.Commit(ctx, Change{Delivered: []string{"m1"}}))
	require.NoError(t, s.Close())

	s = reopen()
	defer s.Close()
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Processed, 3)
	assert.Equal(t, map[string]struct{}{"m2": {}}, st.Unmarked)
	assert.True(t, at.Equal(st.LastSyncAt), "got %v", st.LastSyncAt)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state.json")
	exerciseStore(t, func() Store {
		s, err := NewFileStore(path)
		require.NoError(t, err)
		return s
	})

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestFileStoreCommitWithoutLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processed_ids":["old"]}`), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), Change{Delivered: []string{"new"}}))

	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Has("old"))
	assert.True(t, st.Has("new"))
}

func TestFileStoreCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.Error(t, err)
}

func TestFileStoreReadsLegacyShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processed_ids":["a","b"],"last_run":null}`), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Processed, 2)
	assert.Empty(t, st.Unmarked)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	exerciseStore(t, func() Store {
		s, err := NewSQLiteStore(path)
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStoreMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLiteStore(path)
		require.NoError(t, err)
		var count int
		require.NoError(t, s.db.Get(&count, "SELECT COUNT(*) FROM schema_version"))
		assert.Equal(t, len(migrations), count)
		require.NoError(t, s.Close())
	}
}

func TestSQLiteStoreCreatesMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state", "ledger.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Commit(context.Background(), Change{Delivered: []string{"m1"}}))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MAILSHEET_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set MAILSHEET_POSTGRES_DSN to run postgres ledger tests")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	_, err = s.db.Exec("DELETE FROM ledger_entries; DELETE FROM ledger_meta")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	exerciseStore(t, func() Store {
		s, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		return s
	})
}
