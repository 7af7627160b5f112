package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// FileStore keeps the ledger as a JSON document. Every commit rewrites the
// whole document to a temp file and renames it over the old one.
type FileStore struct {
	mu    sync.Mutex
	path  string
	state *State
}

type fileDocument struct {
	ProcessedIDs []string   `json:"processed_ids"`
	UnmarkedIDs  []string   `json:"unmarked_ids,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// NewFileStore opens (or creates) a file ledger at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the ledger file. A missing file is an empty ledger; a corrupt
// one is an error, since starting empty would redeliver everything.
func (s *FileStore) Load(_ context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (s *FileStore) loadLocked() error {
	st := NewState()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = st
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse ledger file %s: %w", s.path, err)
	}
	for _, id := range doc.ProcessedIDs {
		st.Processed[id] = struct{}{}
	}
	for _, id := range doc.UnmarkedIDs {
		if _, ok := st.Processed[id]; ok {
			st.Unmarked[id] = struct{}{}
		}
	}
	if doc.LastSyncAt != nil {
		st.LastSyncAt = *doc.LastSyncAt
	}
	s.state = st
	return nil
}

// Commit applies c and atomically replaces the file.
func (s *FileStore) Commit(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		if err := s.loadLocked(); err != nil {
			return err
		}
	}

	next := s.snapshot()
	next.Apply(c)
	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *FileStore) write(st *State) error {
	doc := fileDocument{
		ProcessedIDs: sortedKeys(st.Processed),
		UnmarkedIDs:  sortedKeys(st.Unmarked),
	}
	if !st.LastSyncAt.IsZero() {
		t := st.LastSyncAt.UTC()
		doc.LastSyncAt = &t
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// snapshot copies the cached state. Callers hold s.mu.
func (s *FileStore) snapshot() *State {
	cp := NewState()
	if s.state == nil {
		return cp
	}
	for id := range s.state.Processed {
		cp.Processed[id] = struct{}{}
	}
	for id := range s.state.Unmarked {
		cp.Unmarked[id] = struct{}{}
	}
	cp.LastSyncAt = s.state.LastSyncAt
	return cp
}

func (s *FileStore) Close() error {
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
