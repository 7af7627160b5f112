package receiver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// POP3Receiver fetches messages over POP3/POP3S. POP3 keeps no read state,
// so every message on the server is listed as unread and the ledger alone
// prevents redelivery.
type POP3Receiver struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	mu  sync.Mutex
	raw map[string][]byte // message id -> body from the last listing
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *POP3Receiver {
	return &POP3Receiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
		raw:      make(map[string][]byte),
	}
}

// ListUnread retrieves every message on the server. POP3 has no search, so
// subjectFilter is ignored here.
func (r *POP3Receiver) ListUnread(_ context.Context, _ string) ([]MessageRef, error) {
	addr := net.JoinHostPort(r.host, fmt.Sprintf("%d", r.port))

	client := pop3client.New(pop3client.Opt{
		Host:       r.host,
		Port:       r.port,
		TLSEnabled: r.useTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, syncerr.Transient(err))
	}
	defer conn.Quit()

	if err := conn.Auth(r.username, r.password); err != nil {
		return nil, fmt.Errorf("pop3 auth %s: %w", r.username, syncerr.Auth(err))
	}

	msgs, err := conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", syncerr.Transient(err))
	}

	r.logger.Info("fetched message list", "count", len(msgs))

	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.raw)

	refs := make([]MessageRef, 0, len(msgs))
	for _, msg := range msgs {
		rawBuf, err := conn.RetrRaw(msg.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retrieve %d: %w", msg.ID, syncerr.Transient(err))
		}
		raw := rawBuf.Bytes()

		ref := parseHeaders(raw)
		if ref.ID == "" {
			// Fall back to UIDL if available, otherwise use sequence + username.
			if msg.UID != "" {
				ref.ID = fmt.Sprintf("pop3-uid-%s-%s", msg.UID, r.username)
			} else {
				ref.ID = fmt.Sprintf("pop3-%d-%s", msg.ID, r.username)
			}
		}
		ref.Raw = raw
		r.raw[ref.ID] = raw
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseHeaders reads Message-ID, From, Subject and Date from raw bytes.
func parseHeaders(raw []byte) MessageRef {
	var ref MessageRef
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ref
	}
	defer reader.Close()

	ref.ID = reader.Header.Get("Message-ID")
	if subject, err := reader.Header.Subject(); err == nil {
		ref.Subject = subject
	}
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		ref.Sender = addrs[0].String()
	}
	if date, err := reader.Header.Date(); err == nil {
		ref.Date = date
	}
	return ref
}

// FetchRaw returns the body retrieved during the last listing.
func (r *POP3Receiver) FetchRaw(_ context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.raw[id]
	if !ok {
		return nil, fmt.Errorf("pop3 fetch %s: message not in last listing", id)
	}
	return raw, nil
}

// MarkRead confirms every id: POP3 has no read flag to set.
func (r *POP3Receiver) MarkRead(_ context.Context, ids []string) (MarkResult, error) {
	return MarkResult{Confirmed: append([]string(nil), ids...)}, nil
}

func (r *POP3Receiver) Close() error {
	return nil
}
