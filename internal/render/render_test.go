package render

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsheet/internal/receiver"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Invoice A\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <a@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Amount due: 42 EUR\r\n"

const alternativeMessage = "From: shop@example.com\r\n" +
	"Subject: Receipt\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain version\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html version</p>\r\n" +
	"--XYZ--\r\n"

const htmlOnlyMessage = "From: news@example.com\r\n" +
	"Subject: Newsletter\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><h1>Hello</h1><p>World</p></body></html>\r\n"

func TestPlainThenHTML(t *testing.T) {
	t.Run("plain text message", func(t *testing.T) {
		ex, err := PlainThenHTML([]byte(plainMessage))
		require.NoError(t, err)
		assert.Equal(t, "Amount due: 42 EUR", ex.Body)
		assert.Equal(t, "Invoice A", ex.Subject)
		assert.Contains(t, ex.From, "alice@example.com")
		assert.Equal(t, 2006, ex.Date.Year())
	})

	t.Run("prefers plain part of alternative", func(t *testing.T) {
		ex, err := PlainThenHTML([]byte(alternativeMessage))
		require.NoError(t, err)
		assert.Equal(t, "plain version", ex.Body)
	})

	t.Run("falls back to html", func(t *testing.T) {
		ex, err := PlainThenHTML([]byte(htmlOnlyMessage))
		require.NoError(t, err)
		assert.Contains(t, ex.Body, "Hello")
		assert.Contains(t, ex.Body, "World")
		assert.NotContains(t, ex.Body, "<p>")
	})
}

func TestHTMLToText(t *testing.T) {
	text, err := HTMLToText("<div><b>Total</b>: 10</div>")
	require.NoError(t, err)
	assert.Contains(t, text, "Total")
	assert.NotContains(t, text, "<b>")
}

func TestRender(t *testing.T) {
	r := New(nil, 0, discard)

	t.Run("fills row from raw message", func(t *testing.T) {
		row := r.Render(receiver.MessageRef{ID: "m1", Raw: []byte(plainMessage)})
		assert.Equal(t, "m1", row.SourceID)
		assert.Equal(t, "Invoice A", row.Subject)
		assert.Equal(t, "2006-01-02T15:04:05Z", row.Date)
		assert.Equal(t, "Amount due: 42 EUR", row.Body)
	})

	t.Run("ref headers take precedence", func(t *testing.T) {
		date := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		row := r.Render(receiver.MessageRef{
			ID: "m1", Sender: "listed@example.com", Subject: "Listed", Date: date, Raw: []byte(plainMessage),
		})
		assert.Equal(t, "listed@example.com", row.Sender)
		assert.Equal(t, "Listed", row.Subject)
		assert.Equal(t, "2024-03-01T09:00:00Z", row.Date)
	})

	t.Run("missing raw yields placeholder", func(t *testing.T) {
		row := r.Render(receiver.MessageRef{ID: "m2", Subject: "x"})
		assert.Equal(t, Placeholder, row.Body)
		assert.Equal(t, "m2", row.SourceID)
	})

	t.Run("extractor failure yields placeholder", func(t *testing.T) {
		failing := New(func([]byte) (*Extracted, error) {
			return nil, errors.New("corrupt mime")
		}, 0, discard)
		row := failing.Render(receiver.MessageRef{ID: "m3", Subject: "Invoice", Raw: []byte("garbage")})
		assert.Equal(t, Placeholder, row.Body)
		assert.Equal(t, "Invoice", row.Subject)
	})

	t.Run("body is truncated to limit", func(t *testing.T) {
		limited := New(func([]byte) (*Extracted, error) {
			return &Extracted{Body: strings.Repeat("é", 10)}, nil
		}, 4, discard)
		row := limited.Render(receiver.MessageRef{ID: "m4", Raw: []byte("x")})
		assert.Equal(t, "éééé", row.Body)
	})
}

func TestRowValues(t *testing.T) {
	row := Row{Sender: "s", Subject: "sub", Date: "d", Body: "b", SourceID: "id"}
	assert.Equal(t, []any{"s", "sub", "d", "b", "id"}, row.Values())
}
