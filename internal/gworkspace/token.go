// Package gworkspace builds authorized clients for the Gmail and Sheets APIs
// and classifies their errors.
package gworkspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned when no OAuth token has been provisioned.
var ErrNoToken = errors.New("no oauth token stored")

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a file. Load also reads the
// google-auth authorized-user format ("token", "expiry" without a zone) that
// other Google tooling writes to token.json; Save writes oauth2.Token JSON.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok, err := decodeToken(data)
	if err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return tok, nil
}

// storedToken is the union of oauth2.Token JSON and the google-auth
// authorized-user JSON.
type storedToken struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry"`
}

func decodeToken(data []byte) (*oauth2.Token, error) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = st.Token
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token has neither access nor refresh token")
	}
	if st.Expiry != "" {
		exp, err := parseExpiry(st.Expiry)
		if err != nil {
			return nil, err
		}
		tok.Expiry = exp
	}
	return tok, nil
}

// parseExpiry accepts RFC 3339 and the zone-less UTC timestamps google-auth
// writes.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", s, err)
	}
	return t, nil
}

func (s FileTokenStore) Save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

const keyringService = "mailsheet"

// KeyringTokenStore keeps the token in the OS keyring under Key.
type KeyringTokenStore struct {
	Key     string
	FileDir string // used by the encrypted-file fallback backend
}

func (s KeyringTokenStore) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  s.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func (s KeyringTokenStore) Load() (*oauth2.Token, error) {
	ring, err := s.open()
	if err != nil {
		return nil, err
	}
	item, err := ring.Get(s.Key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("getting token %q: %w", s.Key, err)
	}
	tok, err := decodeToken(item.Data)
	if err != nil {
		return nil, fmt.Errorf("parse keyring token: %w", err)
	}
	return tok, nil
}

func (s KeyringTokenStore) Save(tok *oauth2.Token) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: s.Key, Data: data}); err != nil {
		return fmt.Errorf("setting token %q: %w", s.Key, err)
	}
	return nil
}
