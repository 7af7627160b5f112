package gworkspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// Scopes are the permissions mailsheet needs: modify (to clear UNREAD) and
// spreadsheets (to append rows and keep the sheet ledger).
var Scopes = []string{gmail.GmailModifyScope, sheets.SpreadsheetsScope}

// NewHTTPClient returns an OAuth2 client built from the installed-app client
// secrets file and a previously provisioned token. Refreshed tokens are
// written back to store. A missing token is reported as an auth failure;
// acquiring one happens outside this tool.
func NewHTTPClient(ctx context.Context, credentialsFile string, store TokenStore, logger *slog.Logger) (*http.Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}

	tok, err := store.Load()
	if err != nil {
		return nil, syncerr.Auth(fmt.Errorf("load token: %w", err))
	}

	ts := &savingTokenSource{
		base:   cfg.TokenSource(ctx, tok),
		store:  store,
		last:   tok.AccessToken,
		logger: logger,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts)), nil
}

// savingTokenSource persists a token whenever the underlying source
// refreshes it.
type savingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		// Anything but a network failure means the credentials are unusable.
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, syncerr.Auth(fmt.Errorf("refresh token: %w", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(tok); err != nil {
			s.logger.Warn("failed to persist refreshed token", "error", err)
		} else {
			s.logger.Debug("persisted refreshed token")
		}
	}
	return tok, nil
}

// NewGmail builds a Gmail service over client.
func NewGmail(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*gmail.Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return srv, nil
}

// NewSheets builds a Sheets service over client.
func NewSheets(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*sheets.Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return srv, nil
}
