package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// IMAPReceiver lists unseen messages over IMAP/IMAPS.
type IMAPReceiver struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	folder   string
	logger   *slog.Logger

	mu   sync.Mutex
	uids map[string]imap.UID // message id -> UID from the last listing
}

// NewIMAP creates a new IMAP receiver.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, logger *slog.Logger) *IMAPReceiver {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPReceiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		folder:   folder,
		logger:   logger,
		uids:     make(map[string]imap.UID),
	}
}

// connect dials, logs in and selects the folder. The caller must Logout.
func (r *IMAPReceiver) connect() (*imapclient.Client, *imap.SelectData, error) {
	addr := net.JoinHostPort(r.host, fmt.Sprintf("%d", r.port))

	var client *imapclient.Client
	var err error

	if r.useTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: r.host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("imap connect %s: %w", addr, syncerr.Transient(err))
	}

	if err := client.Login(r.username, r.password).Wait(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("imap login %s: %w", r.username, syncerr.Auth(err))
	}

	sel, err := client.Select(r.folder, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, nil, fmt.Errorf("imap select %s: %w", r.folder, classifyIMAP(err))
	}
	return client, sel, nil
}

func unseenCriteria() *imap.SearchCriteria {
	return &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
}

// classifyIMAP treats server NO/BAD responses as permanent and everything
// else (dropped connections, timeouts) as transient.
func classifyIMAP(err error) error {
	var respErr *imap.Error
	if errors.As(err, &respErr) {
		return err
	}
	return syncerr.Transient(err)
}

// ListUnread searches UNSEEN messages. Like the other receivers it lists
// every unread message and leaves the subject filter to the caller, so the
// skipped count does not depend on the source.
func (r *IMAPReceiver) ListUnread(_ context.Context, _ string) ([]MessageRef, error) {
	client, sel, err := r.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	searchData, err := client.UIDSearch(unseenCriteria(), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", classifyIMAP(err))
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		r.logger.Info("no unseen messages", "folder", r.folder)
		return nil, nil
	}
	slices.Sort(uids)

	fetchOptions := &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", classifyIMAP(err))
	}
	slices.SortFunc(buffers, func(a, b *imapclient.FetchMessageBuffer) int {
		return int(int64(a.UID) - int64(b.UID))
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.uids)

	refs := make([]MessageRef, 0, len(buffers))
	for _, buf := range buffers {
		ref := MessageRef{ID: imapMessageID(buf, sel.UIDValidity, r.username)}
		if env := buf.Envelope; env != nil {
			ref.Subject = env.Subject
			ref.Date = env.Date
			if len(env.From) > 0 {
				ref.Sender = formatAddress(env.From[0])
			}
		}
		r.uids[ref.ID] = buf.UID
		refs = append(refs, ref)
	}

	r.logger.Info("listed unseen messages", "folder", r.folder, "count", len(refs))
	return refs, nil
}

// imapMessageID prefers the Message-ID header, which survives UIDVALIDITY
// resets, and falls back to a UID-derived id.
func imapMessageID(buf *imapclient.FetchMessageBuffer, uidValidity uint32, username string) string {
	if buf.Envelope != nil && buf.Envelope.MessageID != "" {
		return buf.Envelope.MessageID
	}
	return fmt.Sprintf("imap-%d-%d-%s", uidValidity, buf.UID, username)
}

func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" && email != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

func (r *IMAPReceiver) lookup(ids []string) (map[string]imap.UID, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	known := make(map[string]imap.UID, len(ids))
	var unknown []string
	for _, id := range ids {
		uid, ok := r.uids[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		known[id] = uid
	}
	return known, unknown
}

// FetchRaw downloads the full message without setting \Seen.
func (r *IMAPReceiver) FetchRaw(_ context.Context, id string) ([]byte, error) {
	known, _ := r.lookup([]string{id})
	uid, ok := known[id]
	if !ok {
		return nil, fmt.Errorf("imap fetch %s: message not in last listing", id)
	}

	client, _, err := r.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	buffers, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, classifyIMAP(err))
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("imap fetch %s: message no longer exists", id)
	}
	content := buffers[0].FindBodySection(bodySection)
	if len(content) == 0 {
		return nil, fmt.Errorf("imap fetch %s: empty body", id)
	}
	return content, nil
}

// MarkRead sets \Seen one UID at a time so a failure affects only that id.
// Ids not seen in the last listing are reported failed.
func (r *IMAPReceiver) MarkRead(_ context.Context, ids []string) (MarkResult, error) {
	if len(ids) == 0 {
		return MarkResult{}, nil
	}
	known, unknown := r.lookup(ids)
	res := MarkResult{Failed: unknown}

	client, _, err := r.connect()
	if err != nil {
		return MarkResult{Failed: append([]string(nil), ids...)}, err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	for _, id := range ids {
		uid, ok := known[id]
		if !ok {
			continue
		}
		if err := client.Store(imap.UIDSetNum(uid), storeFlags, nil).Close(); err != nil {
			r.logger.Warn("imap store \\Seen failed", "msg_id", id, "error", err)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Confirmed = append(res.Confirmed, id)
	}
	return res, nil
}

func (r *IMAPReceiver) Close() error {
	return nil
}
