// Package filter selects which unread messages a sync run must deliver.
package filter

import (
	"strings"

	"github.com/tracyhatemice/mailsheet/internal/receiver"
)

// Result partitions an unread listing. Batch keeps source order.
type Result struct {
	Batch    []receiver.MessageRef
	Ledgered []string // already delivered in an earlier run
	Filtered []string // rejected by the subject filter
	Repeated []string // duplicate ids later in the same listing
}

// Skipped is the number of listed messages not selected for delivery.
func (r Result) Skipped() int {
	return len(r.Ledgered) + len(r.Filtered) + len(r.Repeated)
}

// MatchSubject reports whether subject contains filter, ignoring case.
// An empty filter accepts everything.
func MatchSubject(subject, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(subject), strings.ToLower(filter))
}

// Select returns the refs from unread whose id is not in processed and whose
// subject matches subjectFilter. When an id appears more than once, the first
// occurrence wins. Select has no side effects and is deterministic.
func Select(unread []receiver.MessageRef, processed map[string]struct{}, subjectFilter string) Result {
	var res Result
	seen := make(map[string]struct{}, len(unread))
	for _, ref := range unread {
		if _, dup := seen[ref.ID]; dup {
			res.Repeated = append(res.Repeated, ref.ID)
			continue
		}
		seen[ref.ID] = struct{}{}

		if _, done := processed[ref.ID]; done {
			res.Ledgered = append(res.Ledgered, ref.ID)
			continue
		}
		if !MatchSubject(ref.Subject, subjectFilter) {
			res.Filtered = append(res.Filtered, ref.ID)
			continue
		}
		res.Batch = append(res.Batch, ref)
	}
	return res
}
