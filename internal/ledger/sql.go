package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const metaLastSyncAt = "last_sync_at"

// SQLStore keeps the ledger in a SQL database (SQLite or PostgreSQL).
// Each commit runs in one transaction.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite ledger at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling synchronous writes: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore opens a PostgreSQL ledger.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id           TEXT PRIMARY KEY,
	delivered_at TEXT NOT NULL,
	marked       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	},
}

func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

type entryRow struct {
	ID     string `db:"id"`
	Marked int    `db:"marked"`
}

func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, marked FROM ledger_entries"); err != nil {
		return nil, fmt.Errorf("loading ledger entries: %w", err)
	}

	st := NewState()
	for _, r := range rows {
		st.Processed[r.ID] = struct{}{}
		if r.Marked == 0 {
			st.Unmarked[r.ID] = struct{}{}
		}
	}

	var raw string
	err := s.db.GetContext(ctx, &raw, s.db.Rebind("SELECT value FROM ledger_meta WHERE key = ?"), metaLastSyncAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("loading ledger meta: %w", err)
	default:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", metaLastSyncAt, err)
		}
		st.LastSyncAt = t
	}
	return st, nil
}

func (s *SQLStore) Commit(ctx context.Context, c Change) error {
	if c.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	insert := tx.Rebind("INSERT INTO ledger_entries (id, delivered_at, marked) VALUES (?, ?, 0) ON CONFLICT (id) DO NOTHING")
	for _, id := range c.Delivered {
		if _, err := tx.ExecContext(ctx, insert, id, now); err != nil {
			return fmt.Errorf("recording delivered %s: %w", id, err)
		}
	}

	if len(c.Marked) > 0 {
		query, args, err := sqlx.In("UPDATE ledger_entries SET marked = 1 WHERE id IN (?)", c.Marked)
		if err != nil {
			return fmt.Errorf("building mark update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("recording marked: %w", err)
		}
	}

	if !c.SyncedAt.IsZero() {
		upsert := tx.Rebind("INSERT INTO ledger_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value")
		if _, err := tx.ExecContext(ctx, upsert, metaLastSyncAt, c.SyncedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("recording sync time: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
