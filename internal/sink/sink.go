// Package sink appends rendered rows to the destination spreadsheet.
package sink

import (
	"context"

	"github.com/tracyhatemice/mailsheet/internal/render"
)

// Sink writes rows in order. A failed AppendRows means no row was durably
// written, unless the error is marked ambiguous. On success it returns the
// number of rows written; an idempotent sink does not count rows it already
// held.
type Sink interface {
	AppendRows(ctx context.Context, rows []render.Row) (int, error)
	// Idempotent reports whether appending a row whose source id is already
	// present is a no-op.
	Idempotent() bool
}
