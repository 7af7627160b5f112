package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/api/sheets/v4"

	"github.com/tracyhatemice/mailsheet/internal/config"
	"github.com/tracyhatemice/mailsheet/internal/gworkspace"
	"github.com/tracyhatemice/mailsheet/internal/ledger"
	"github.com/tracyhatemice/mailsheet/internal/receiver"
	"github.com/tracyhatemice/mailsheet/internal/reconciler"
	"github.com/tracyhatemice/mailsheet/internal/render"
	"github.com/tracyhatemice/mailsheet/internal/sink"
	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envPath := flag.String("env", ".env", "optional env file loaded before the config is expanded")
	once := flag.Bool("once", false, "run a single pass even if interval_seconds is set")
	forceUnlock := flag.Bool("force-unlock", false, "clear a stale run lock left by a crashed run, then exit")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	if *forceUnlock {
		if err := ledger.ForceUnlock(cfg.LockPath()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		logger.Info("lock cleared", "path", cfg.LockPath())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, *once, logger)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *slog.Logger) int {
	logger.Info("mailsheet starting",
		"source", cfg.Source.Kind,
		"ledger", cfg.Ledger.Kind,
		"spreadsheet", cfg.Sink.SpreadsheetID,
		"subject_filter", cfg.Source.SubjectFilter,
	)

	client, err := gworkspace.NewHTTPClient(ctx, cfg.Google.CredentialsFile, tokenStore(cfg), logger)
	if err != nil {
		return fail(err)
	}
	sheetsSrv, err := gworkspace.NewSheets(ctx, client)
	if err != nil {
		return fail(err)
	}

	recv, err := newReceiver(ctx, cfg, client, logger)
	if err != nil {
		return fail(err)
	}
	defer recv.Close()

	store, err := newLedger(ctx, cfg, sheetsSrv)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	snk := sink.NewSheets(sheetsSrv, cfg.Sink.SpreadsheetID, cfg.Sink.GetSheetName(), cfg.Sink.Idempotent, logger)
	rec := reconciler.New(
		recv,
		snk,
		store,
		render.New(render.PlainThenHTML, cfg.Sink.GetBodyLimit(), logger),
		reconciler.Options{
			SubjectFilter: cfg.Source.SubjectFilter,
			Policy:        cfg.Retry.Policy(),
			LockPath:      cfg.LockPath(),
		},
		logger,
	)

	if interval := cfg.Interval(); interval > 0 && !once {
		// Force exit on second signal.
		go func() {
			<-ctx.Done()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Warn("forced shutdown")
			os.Exit(1)
		}()

		if err := reconciler.NewRunner(rec, interval, logger).Run(ctx); err != nil {
			return fail(err)
		}
		logger.Info("mailsheet stopped")
		return 0
	}

	rep, err := rec.Run(ctx)
	if err != nil {
		fmt.Printf("FAILED %s; %s\n", err, rep)
		return 1
	}
	fmt.Printf("DONE %s\n", rep)
	return 0
}

func fail(err error) int {
	var se *syncerr.Error
	if errors.As(err, &se) {
		fmt.Printf("FAILED %s\n", err)
	} else {
		fmt.Printf("FAILED %s: %v\n", syncerr.KindOf(err), err)
	}
	return 1
}

func tokenStore(cfg *config.Config) gworkspace.TokenStore {
	if cfg.Google.TokenStore == "keyring" {
		return gworkspace.KeyringTokenStore{Key: "oauth-token", FileDir: cfg.GetKeyringDir()}
	}
	return gworkspace.FileTokenStore{Path: cfg.Google.TokenFile}
}

func newReceiver(ctx context.Context, cfg *config.Config, client *http.Client, logger *slog.Logger) (receiver.Receiver, error) {
	src := cfg.Source
	switch src.Kind {
	case "gmail":
		srv, err := gworkspace.NewGmail(ctx, client)
		if err != nil {
			return nil, err
		}
		return receiver.NewGmail(srv, src.Gmail.GetUser(), src.Gmail.GetLabel(), src.GetMaxResults(), logger), nil
	case "imap":
		return receiver.NewIMAP(
			src.IMAP.Host, src.IMAP.Port,
			src.IMAP.Username, src.IMAP.Password,
			src.IMAP.UseTLS, src.IMAP.GetIMAPFolder(), logger,
		), nil
	case "pop3":
		return receiver.NewPOP3(
			src.POP3.Host, src.POP3.Port,
			src.POP3.Username, src.POP3.Password,
			src.POP3.UseTLS, logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported source: %s", src.Kind)
	}
}

func newLedger(ctx context.Context, cfg *config.Config, sheetsSrv *sheets.Service) (ledger.Store, error) {
	switch cfg.Ledger.Kind {
	case "file":
		return ledger.NewFileStore(cfg.LedgerPath())
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.LedgerPath())
	case "postgres":
		return ledger.NewPostgresStore(cfg.Ledger.DSN)
	case "sheet":
		return ledger.NewSheetStore(ctx, sheetsSrv, cfg.Sink.SpreadsheetID, cfg.Ledger.GetLedgerSheetName())
	default:
		return nil, fmt.Errorf("unsupported ledger: %s", cfg.Ledger.Kind)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
