package ledger

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/sheets/v4"

	"github.com/tracyhatemice/mailsheet/internal/gworkspace"
)

const (
	eventDelivered = "delivered"
	eventMarked    = "marked"
	eventSync      = "sync"
)

// SheetStore keeps the ledger as an append-only event log in a tab of the
// target spreadsheet: one row per event, columns id, event, time. Appends
// are the only writes, so a crash can lose a whole commit but never corrupt
// earlier ones.
type SheetStore struct {
	srv           *sheets.Service
	spreadsheetID string
	tab           string
}

// NewSheetStore opens the ledger tab, creating it when missing.
func NewSheetStore(ctx context.Context, srv *sheets.Service, spreadsheetID, tab string) (*SheetStore, error) {
	if tab == "" {
		tab = "State"
	}
	s := &SheetStore{srv: srv, spreadsheetID: spreadsheetID, tab: tab}
	if err := s.ensureTab(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SheetStore) ensureTab(ctx context.Context) error {
	doc, err := s.srv.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet: %w", gworkspace.Classify(err, false))
	}
	for _, sh := range doc.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.tab {
			return nil
		}
	}
	_, err = s.srv.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: s.tab}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("create ledger tab %s: %w", s.tab, gworkspace.Classify(err, false))
	}
	return nil
}

func (s *SheetStore) rangeA1() string {
	return s.tab + "!A:C"
}

// Load replays the event log.
func (s *SheetStore) Load(ctx context.Context) (*State, error) {
	vr, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeA1()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read ledger tab: %w", gworkspace.Classify(err, false))
	}

	st := NewState()
	for _, row := range vr.Values {
		id, event, at := cell(row, 0), cell(row, 1), cell(row, 2)
		switch event {
		case eventDelivered:
			st.Apply(Change{Delivered: []string{id}})
		case eventMarked:
			st.Apply(Change{Marked: []string{id}})
		case eventSync:
			if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
				st.Apply(Change{SyncedAt: t})
			}
		}
	}
	return st, nil
}

func cell(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

// Commit appends all events of c in a single call.
func (s *SheetStore) Commit(ctx context.Context, c Change) error {
	if c.Empty() {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var values [][]any
	for _, id := range c.Delivered {
		values = append(values, []any{id, eventDelivered, now})
	}
	for _, id := range c.Marked {
		values = append(values, []any{id, eventMarked, now})
	}
	if !c.SyncedAt.IsZero() {
		values = append(values, []any{"", eventSync, c.SyncedAt.UTC().Format(time.RFC3339Nano)})
	}

	_, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, s.rangeA1(), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append ledger events: %w", gworkspace.Classify(err, false))
	}
	return nil
}

func (s *SheetStore) Close() error {
	return nil
}
