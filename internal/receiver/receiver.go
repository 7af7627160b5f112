package receiver

import (
	"context"
	"time"
)

// MessageRef identifies one unread message in the source mailbox.
// Identity is ID alone; the remaining attributes are informational and Raw
// may be nil until the body is fetched.
type MessageRef struct {
	ID      string    // stable per source (Gmail id, Message-ID, or UID-derived)
	Sender  string
	Subject string
	Date    time.Time
	Raw     []byte // raw RFC 5322 bytes, nil until fetched
}

// MarkResult reports which ids a MarkRead call confirmed.
type MarkResult struct {
	Confirmed []string
	Failed    []string
}

// Receiver lists and acknowledges unread messages in a remote mailbox.
type Receiver interface {
	// ListUnread returns unread messages in mailbox order. subjectFilter is a
	// narrowing hint; adapters that cannot apply it exactly return a superset.
	ListUnread(ctx context.Context, subjectFilter string) ([]MessageRef, error)

	// FetchRaw returns the raw message bytes for an id previously listed.
	FetchRaw(ctx context.Context, id string) ([]byte, error)

	// MarkRead marks ids read. A nil error with a non-empty Failed set is a
	// partial success.
	MarkRead(ctx context.Context, ids []string) (MarkResult, error)

	// Close releases any resources held by the receiver.
	Close() error
}

// IDs returns the ids of refs in order.
func IDs(refs []MessageRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}
