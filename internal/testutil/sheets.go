package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeSheets is an in-memory stand-in for the Sheets REST API covering the
// calls mailsheet makes: spreadsheet get, batchUpdate addSheet, values get
// and values append.
type FakeSheets struct {
	mu   sync.Mutex
	tabs map[string][][]any

	// FailAppends makes the next N append calls fail with AppendStatus.
	FailAppends  int
	AppendStatus int
	AppendCalls  int
}

// NewFakeSheets starts a fake server with the given tabs and returns it with
// a Sheets service pointed at it.
func NewFakeSheets(t *testing.T, tabs ...string) (*FakeSheets, *sheets.Service) {
	t.Helper()

	f := &FakeSheets{tabs: make(map[string][][]any), AppendStatus: http.StatusServiceUnavailable}
	for _, tab := range tabs {
		f.tabs[tab] = nil
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	svc, err := sheets.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("create sheets service: %v", err)
	}
	return f, svc
}

// Rows returns a copy of the rows stored in tab.
func (f *FakeSheets) Rows(tab string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]any, len(f.tabs[tab]))
	copy(out, f.tabs[tab])
	return out
}

// HasTab reports whether tab exists.
func (f *FakeSheets) HasTab(tab string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tabs[tab]
	return ok
}

// SetRows replaces the rows of tab.
func (f *FakeSheets) SetRows(tab string, rows [][]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[tab] = rows
}

func (f *FakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v4/spreadsheets/")
	switch {
	case strings.HasSuffix(path, ":batchUpdate"):
		var req sheets.BatchUpdateSpreadsheetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, rq := range req.Requests {
			if rq.AddSheet != nil && rq.AddSheet.Properties != nil {
				f.tabs[rq.AddSheet.Properties.Title] = nil
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"spreadsheetId": strings.TrimSuffix(path, ":batchUpdate")})

	case strings.Contains(path, "/values/") && strings.HasSuffix(path, ":append"):
		f.AppendCalls++
		if f.FailAppends > 0 {
			f.FailAppends--
			writeError(w, f.AppendStatus, "append failed")
			return
		}
		tab, ok := f.tabFromPath(path)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unable to parse range")
			return
		}
		var vr sheets.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.tabs[tab] = append(f.tabs[tab], vr.Values...)
		writeJSON(w, http.StatusOK, map[string]any{"updates": map[string]any{"updatedRows": len(vr.Values)}})

	case strings.Contains(path, "/values/"):
		tab, ok := f.tabFromPath(path)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unable to parse range")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": columns(f.tabs[tab], rangeOf(path))})

	default:
		var list []map[string]any
		for tab := range f.tabs {
			list = append(list, map[string]any{"properties": map[string]any{"title": tab}})
		}
		writeJSON(w, http.StatusOK, map[string]any{"sheets": list})
	}
}

func rangeOf(path string) string {
	rng := path[strings.Index(path, "/values/")+len("/values/"):]
	return strings.TrimSuffix(rng, ":append")
}

func (f *FakeSheets) tabFromPath(path string) (string, bool) {
	tab, _, _ := strings.Cut(rangeOf(path), "!")
	_, ok := f.tabs[tab]
	return tab, ok
}

// columns narrows rows to the column span of an A1 range like "Tab!E:E".
func columns(rows [][]any, rng string) [][]any {
	_, span, ok := strings.Cut(rng, "!")
	if !ok {
		return rows
	}
	from, to, _ := strings.Cut(span, ":")
	if from == "" || to == "" {
		return rows
	}
	start, end := int(from[0]-'A'), int(to[0]-'A')
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		var cells []any
		for i := start; i <= end && i < len(row); i++ {
			cells = append(cells, row[i])
		}
		out = append(out, cells)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
