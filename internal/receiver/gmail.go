package receiver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/tracyhatemice/mailsheet/internal/gworkspace"
)

const unreadLabel = "UNREAD"

// GmailReceiver lists unread messages through the Gmail API.
type GmailReceiver struct {
	srv        *gmail.Service
	user       string
	label      string
	maxResults int
	logger     *slog.Logger
}

// NewGmail creates a Gmail receiver for user ("me" for the token owner)
// restricted to label.
func NewGmail(srv *gmail.Service, user, label string, maxResults int, logger *slog.Logger) *GmailReceiver {
	if user == "" {
		user = "me"
	}
	if label == "" {
		label = "INBOX"
	}
	if maxResults <= 0 {
		maxResults = 100
	}
	return &GmailReceiver{srv: srv, user: user, label: label, maxResults: maxResults, logger: logger}
}

// ListUnread pages through is:unread in the configured label. Gmail's
// subject search is word based, so subjectFilter is not pushed down.
func (r *GmailReceiver) ListUnread(ctx context.Context, _ string) ([]MessageRef, error) {
	var ids []string
	pageToken := ""
	for len(ids) < r.maxResults {
		call := r.srv.Users.Messages.List(r.user).
			LabelIds(r.label).
			Q("is:unread").
			MaxResults(int64(r.maxResults - len(ids))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("gmail list unread: %w", gworkspace.Classify(err, false))
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	r.logger.Info("fetched unread message ids", "count", len(ids))

	refs := make([]MessageRef, 0, len(ids))
	for _, id := range ids {
		msg, err := r.srv.Users.Messages.Get(r.user, id).
			Format("metadata").
			MetadataHeaders("From", "Subject", "Date").
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("gmail get metadata %s: %w", id, gworkspace.Classify(err, false))
		}
		refs = append(refs, refFromMetadata(msg))
	}
	return refs, nil
}

func refFromMetadata(msg *gmail.Message) MessageRef {
	ref := MessageRef{ID: msg.Id}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				ref.Sender = h.Value
			case "subject":
				ref.Subject = h.Value
			case "date":
				if d, err := mail.ParseDate(h.Value); err == nil {
					ref.Date = d
				}
			}
		}
	}
	if ref.Date.IsZero() && msg.InternalDate > 0 {
		ref.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	return ref
}

// FetchRaw downloads the full RFC 5322 message.
func (r *GmailReceiver) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	msg, err := r.srv.Users.Messages.Get(r.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail get raw %s: %w", id, gworkspace.Classify(err, false))
	}
	return decodeRaw(msg.Raw)
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode raw message: %w", err)
	}
	return b, nil
}

// MarkRead removes the UNREAD label. BatchModify is all-or-nothing, so on
// failure each id is retried individually to produce a partial result.
func (r *GmailReceiver) MarkRead(ctx context.Context, ids []string) (MarkResult, error) {
	if len(ids) == 0 {
		return MarkResult{}, nil
	}

	err := r.srv.Users.Messages.BatchModify(r.user, &gmail.BatchModifyMessagesRequest{
		Ids:            ids,
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err == nil {
		return MarkResult{Confirmed: append([]string(nil), ids...)}, nil
	}
	batchErr := gworkspace.Classify(err, false)
	r.logger.Warn("batch mark read failed, falling back to per-message", "count", len(ids), "error", batchErr)

	var res MarkResult
	var lastErr error
	for _, id := range ids {
		_, err := r.srv.Users.Messages.Modify(r.user, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{unreadLabel},
		}).Context(ctx).Do()
		if err != nil {
			lastErr = gworkspace.Classify(err, false)
			r.logger.Warn("mark read failed", "msg_id", id, "error", lastErr)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Confirmed = append(res.Confirmed, id)
	}
	if len(res.Confirmed) == 0 {
		return res, fmt.Errorf("gmail mark read: %w", lastErr)
	}
	return res, nil
}

func (r *GmailReceiver) Close() error {
	return nil
}
