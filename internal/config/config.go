package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailsheet/internal/retry"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	DataDir         string `yaml:"data_dir"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Google          Google `yaml:"google"`
	Source          Source `yaml:"source"`
	Sink            Sink   `yaml:"sink"`
	Ledger          Ledger `yaml:"ledger"`
	Retry           Retry  `yaml:"retry"`
}

// Source describes the mailbox to read.
type Source struct {
	Kind          string `yaml:"kind"` // "gmail", "imap" or "pop3"
	SubjectFilter string `yaml:"subject_filter"`
	MaxResults    int    `yaml:"max_results"`
	Gmail         Gmail  `yaml:"gmail"`
	IMAP          Server `yaml:"imap"`
	POP3          Server `yaml:"pop3"`
}

// Google holds the OAuth client settings shared by the Gmail source and the
// Sheets sink.
type Google struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	TokenStore      string `yaml:"token_store"` // "file" or "keyring"
	KeyringDir      string `yaml:"keyring_dir"`
}

// Gmail holds Gmail API settings.
type Gmail struct {
	User  string `yaml:"user"`
	Label string `yaml:"label"`
}

// Server holds IMAP or POP3 connection settings.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	Folder   string `yaml:"folder"` // IMAP only
}

// Sink describes the destination spreadsheet.
type Sink struct {
	Kind          string `yaml:"kind"`
	SpreadsheetID string `yaml:"spreadsheet_id"`
	SheetName     string `yaml:"sheet_name"`
	Idempotent    bool   `yaml:"idempotent"`
	BodyLimit     int    `yaml:"body_limit"`
}

// Ledger selects where delivered ids are recorded.
type Ledger struct {
	Kind      string `yaml:"kind"` // "file", "sqlite", "postgres" or "sheet"
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	SheetName string `yaml:"sheet_name"`
}

// Retry bounds retries around every remote call.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// Interval returns the periodic run interval. Zero means run once.
func (c *Config) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// GetDataDir returns the state directory, defaulting to "data".
func (c *Config) GetDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	return c.DataDir
}

// LockPath returns the run lock file path inside the data directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.GetDataDir(), "mailsheet.lock")
}

// GetKeyringDir returns the directory for the encrypted-file keyring
// backend, defaulting to data_dir/keyring.
func (c *Config) GetKeyringDir() string {
	if c.Google.KeyringDir != "" {
		return c.Google.KeyringDir
	}
	return filepath.Join(c.GetDataDir(), "keyring")
}

// GetMaxResults returns the listing cap, defaulting to 100.
func (s *Source) GetMaxResults() int {
	if s.MaxResults <= 0 {
		return 100
	}
	return s.MaxResults
}

// GetUser returns the Gmail user, defaulting to "me".
func (g *Gmail) GetUser() string {
	if g.User == "" {
		return "me"
	}
	return g.User
}

// GetLabel returns the Gmail label to read, defaulting to "INBOX".
func (g *Gmail) GetLabel() string {
	if g.Label == "" {
		return "INBOX"
	}
	return g.Label
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (s *Server) GetIMAPFolder() string {
	if s.Folder == "" {
		return "INBOX"
	}
	return s.Folder
}

// GetSheetName returns the row tab, defaulting to "Sheet1".
func (s *Sink) GetSheetName() string {
	if s.SheetName == "" {
		return "Sheet1"
	}
	return s.SheetName
}

// GetBodyLimit returns the body cell cap in characters. Sheets rejects cells
// over 50000 characters.
func (s *Sink) GetBodyLimit() int {
	if s.BodyLimit <= 0 {
		return 45000
	}
	return s.BodyLimit
}

// Policy converts the retry settings, filling defaults.
func (r *Retry) Policy() retry.Policy {
	p := retry.Default()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(r.BaseDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	return p
}

// LoadEnv loads KEY=value pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads and parses a YAML configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Source:   Source{Kind: "gmail"},
		Sink:     Sink{Kind: "sheets"},
		Ledger:   Ledger{Kind: "file"},
	}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Google.CredentialsFile == "" {
		return fmt.Errorf("google.credentials_file is required")
	}
	switch c.Google.TokenStore {
	case "", "file":
		if c.Google.TokenFile == "" {
			return fmt.Errorf("google.token_file is required")
		}
	case "keyring":
	default:
		return fmt.Errorf("google.token_store must be file or keyring")
	}

	switch c.Source.Kind {
	case "gmail":
	case "imap", "pop3":
		srv := c.Source.IMAP
		if c.Source.Kind == "pop3" {
			srv = c.Source.POP3
		}
		if srv.Host == "" {
			return fmt.Errorf("source.%s.host is required", c.Source.Kind)
		}
		if srv.Port == 0 {
			return fmt.Errorf("source.%s.port is required", c.Source.Kind)
		}
	default:
		return fmt.Errorf("source.kind must be gmail, imap or pop3")
	}

	if c.Sink.Kind != "sheets" {
		return fmt.Errorf("sink.kind must be sheets")
	}
	if c.Sink.SpreadsheetID == "" {
		return fmt.Errorf("sink.spreadsheet_id is required")
	}

	switch c.Ledger.Kind {
	case "file", "sqlite", "sheet":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("ledger.kind must be file, sqlite, postgres or sheet")
	}
	if c.Ledger.Kind == "sheet" && c.Ledger.GetLedgerSheetName() == c.Sink.GetSheetName() {
		return fmt.Errorf("ledger.sheet_name must differ from sink.sheet_name")
	}
	return nil
}

// LedgerPath returns the file or sqlite ledger path.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	if c.Ledger.Kind == "sqlite" {
		return filepath.Join(c.GetDataDir(), "state.db")
	}
	return filepath.Join(c.GetDataDir(), "state.json")
}

// GetLedgerSheetName returns the ledger tab, defaulting to "State".
func (l *Ledger) GetLedgerSheetName() string {
	if l.SheetName == "" {
		return "State"
	}
	return l.SheetName
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. A bare $ is kept literally.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}
