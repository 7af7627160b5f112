package sink

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/api/sheets/v4"

	"github.com/tracyhatemice/mailsheet/internal/gworkspace"
	"github.com/tracyhatemice/mailsheet/internal/render"
)

// SheetsSink appends rows to a tab through the Sheets API, columns A..E
// (sender, subject, date, body, source id).
type SheetsSink struct {
	srv           *sheets.Service
	spreadsheetID string
	tab           string
	dedup         bool
	logger        *slog.Logger
}

// NewSheets creates a Sheets sink. With dedup set, rows whose source id is
// already in column E are dropped before appending, which makes the sink
// idempotent.
func NewSheets(srv *sheets.Service, spreadsheetID, tab string, dedup bool, logger *slog.Logger) *SheetsSink {
	if tab == "" {
		tab = "Sheet1"
	}
	return &SheetsSink{
		srv:           srv,
		spreadsheetID: spreadsheetID,
		tab:           tab,
		dedup:         dedup,
		logger:        logger,
	}
}

func (s *SheetsSink) Idempotent() bool {
	return s.dedup
}

// AppendRows writes rows with a single append call and returns how many
// were sent.
func (s *SheetsSink) AppendRows(ctx context.Context, rows []render.Row) (int, error) {
	if s.dedup {
		existing, err := s.existingIDs(ctx)
		if err != nil {
			return 0, err
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if _, ok := existing[r.SourceID]; ok {
				s.logger.Info("row already in sheet, skipping", "msg_id", r.SourceID)
				continue
			}
			kept = append(kept, r)
		}
		rows = kept
	}
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, r.Values())
	}

	rng := s.tab + "!A:E"
	_, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, rng, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("append %d rows to %s: %w", len(rows), rng, gworkspace.Classify(err, true))
	}
	s.logger.Info("appended rows", "count", len(rows), "range", rng)
	return len(rows), nil
}

// existingIDs reads the source id column.
func (s *SheetsSink) existingIDs(ctx context.Context) (map[string]struct{}, error) {
	vr, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, s.tab+"!E:E").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read source id column: %w", gworkspace.Classify(err, false))
	}
	ids := make(map[string]struct{}, len(vr.Values))
	for _, row := range vr.Values {
		if len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}
