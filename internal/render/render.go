// Package render turns fetched messages into spreadsheet rows.
package render

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/tracyhatemice/mailsheet/internal/receiver"
)

// Placeholder is the body written when a message body cannot be extracted.
const Placeholder = "[body unavailable]"

// Row is one spreadsheet row. SourceID is carried so sheet rows can be
// audited for duplicates against the mailbox.
type Row struct {
	Sender   string
	Subject  string
	Date     string
	Body     string
	SourceID string
}

// Values returns the row cells in column order A..E.
func (r Row) Values() []any {
	return []any{r.Sender, r.Subject, r.Date, r.Body, r.SourceID}
}

// BodyExtractor pulls display text out of a raw RFC 5322 message.
type BodyExtractor func(raw []byte) (*Extracted, error)

// Extracted holds what a BodyExtractor found in a message.
type Extracted struct {
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// PlainThenHTML prefers text/plain parts and falls back to the HTML part
// converted to text.
func PlainThenHTML(raw []byte) (*Extracted, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	out := &Extracted{
		From:    env.GetHeader("From"),
		Subject: env.GetHeader("Subject"),
	}
	if d, err := env.Date(); err == nil {
		out.Date = d
	}

	text := strings.TrimSpace(env.Text)
	if text == "" && env.HTML != "" {
		converted, err := HTMLToText(env.HTML)
		if err != nil {
			return out, err
		}
		text = converted
	}
	out.Body = text
	return out, nil
}

// HTMLToText converts an HTML body to plain text.
func HTMLToText(html string) (string, error) {
	text, err := html2text.FromString(html, html2text.Options{OmitLinks: false})
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Renderer builds rows. It never fails: an unparseable body yields a row
// with Placeholder as its body so one bad message cannot block a batch.
type Renderer struct {
	extract   BodyExtractor
	bodyLimit int
	logger    *slog.Logger
}

// New creates a Renderer. A nil extract selects PlainThenHTML; bodyLimit <= 0
// disables truncation.
func New(extract BodyExtractor, bodyLimit int, logger *slog.Logger) *Renderer {
	if extract == nil {
		extract = PlainThenHTML
	}
	return &Renderer{extract: extract, bodyLimit: bodyLimit, logger: logger}
}

// Render converts ref into a Row. Header fields already present on ref take
// precedence over those parsed from the raw message.
func (r *Renderer) Render(ref receiver.MessageRef) Row {
	row := Row{
		Sender:   ref.Sender,
		Subject:  ref.Subject,
		Date:     formatDate(ref.Date),
		SourceID: ref.ID,
		Body:     Placeholder,
	}

	if len(ref.Raw) == 0 {
		r.logger.Warn("no raw body, using placeholder", "msg_id", ref.ID)
		return row
	}

	ex, err := r.extract(ref.Raw)
	if ex != nil {
		if row.Sender == "" {
			row.Sender = ex.From
		}
		if row.Subject == "" {
			row.Subject = ex.Subject
		}
		if row.Date == "" {
			row.Date = formatDate(ex.Date)
		}
	}
	if err != nil {
		r.logger.Warn("body extraction failed, using placeholder", "msg_id", ref.ID, "error", err)
		return row
	}

	row.Body = truncate(ex.Body, r.bodyLimit)
	return row
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
