// Package reconciler moves unread messages into sink rows exactly once.
//
// A run walks FETCHING, FILTERING, APPENDING, COMMITTING and MARKING before
// reaching DONE, or stops in FAILED. Ids are committed to the ledger as soon
// as their rows are confirmed appended and before any mark-read is
// attempted, so a failed mark never causes a duplicate row.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/mailsheet/internal/filter"
	"github.com/tracyhatemice/mailsheet/internal/ledger"
	"github.com/tracyhatemice/mailsheet/internal/receiver"
	"github.com/tracyhatemice/mailsheet/internal/render"
	"github.com/tracyhatemice/mailsheet/internal/retry"
	"github.com/tracyhatemice/mailsheet/internal/sink"
	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// State is a step of a run.
type State string

const (
	Fetching   State = "FETCHING"
	Filtering  State = "FILTERING"
	Appending  State = "APPENDING"
	Committing State = "COMMITTING"
	Marking    State = "MARKING"
	Done       State = "DONE"
	Failed     State = "FAILED"
)

// Options tune a Reconciler.
type Options struct {
	// SubjectFilter is a case-insensitive substring; empty accepts all.
	SubjectFilter string
	Policy        retry.Policy
	// LockPath, if set, is locked for the duration of each run.
	LockPath string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one run.
type Report struct {
	RunID       string
	State       State
	Transitions []State
	Appended    int
	Skipped     int
	// AlreadyInSink counts batch rows an idempotent sink already held, left
	// behind by an earlier run that failed before its ledger write.
	AlreadyInSink int
	// Remarked counts ids from earlier runs whose mark-read was retried.
	Remarked int
	// Unmarked lists ids ledgered but not confirmed read at the end of the run.
	Unmarked []string
	// PartialMark is set when MARKING confirmed only some ids. It does not
	// fail the run.
	PartialMark *syncerr.Error
}

// String renders the per-run status line.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "appended=%d, skipped=%d", r.Appended, r.Skipped)
	if r.AlreadyInSink > 0 {
		fmt.Fprintf(&b, ", already_in_sink=%d", r.AlreadyInSink)
	}
	if r.Remarked > 0 {
		fmt.Fprintf(&b, ", remarked=%d", r.Remarked)
	}
	if len(r.Unmarked) > 0 {
		fmt.Fprintf(&b, ", unmarked=%d (%s)", len(r.Unmarked), strings.Join(r.Unmarked, ","))
	}
	return b.String()
}

func (r *Report) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Reconciler drives one source, one sink and one ledger.
type Reconciler struct {
	source   receiver.Receiver
	sink     sink.Sink
	store    ledger.Store
	renderer *render.Renderer
	opts     Options
	logger   *slog.Logger
}

// New creates a Reconciler.
func New(
	src receiver.Receiver,
	snk sink.Sink,
	store ledger.Store,
	renderer *render.Renderer,
	opts Options,
	logger *slog.Logger,
) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default()
	}
	return &Reconciler{
		source:   src,
		sink:     snk,
		store:    store,
		renderer: renderer,
		opts:     opts,
		logger:   logger,
	}
}

// Run performs one reconciliation pass. The returned error, if any, is a
// *syncerr.Error and the report's State is Failed. The report is never nil.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: uuid.NewString()}
	p := &pass{
		Reconciler: r,
		rep:        rep,
		logger:     r.logger.With("run_id", rep.RunID),
	}

	err := p.execute(ctx)
	if err != nil {
		rep.enter(Failed)
		p.logger.Error("run failed", "kind", syncerr.KindOf(err), "error", err, "status", rep.String())
		return rep, err
	}
	rep.enter(Done)
	p.logger.Info("run complete", "status", rep.String())
	return rep, nil
}

// pass holds the state of a single run.
type pass struct {
	*Reconciler
	rep    *Report
	logger *slog.Logger
}

func (p *pass) enter(s State) {
	p.rep.enter(s)
	p.logger.Debug("state", "state", s)
}

func (p *pass) retryPolicy(op string) retry.Policy {
	pol := p.opts.Policy
	pol.Notify = func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
	return pol
}

func (p *pass) execute(ctx context.Context) error {
	if p.opts.LockPath != "" {
		lock, err := ledger.AcquireLock(p.opts.LockPath)
		if err != nil {
			return asRunError(err, syncerr.KindUnknown, "", nil)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				p.logger.Warn("release lock failed", "path", lock.Path(), "error", err)
			}
		}()
	}

	var st *ledger.State
	err := p.retryPolicy("load ledger").Do(ctx, func(ctx context.Context) error {
		var err error
		st, err = p.store.Load(ctx)
		return err
	})
	if err != nil {
		return asRunError(err, syncerr.LedgerUnreadable, "", nil)
	}

	p.enter(Fetching)
	var unread []receiver.MessageRef
	err = p.retryPolicy("list unread").Do(ctx, func(ctx context.Context) error {
		var err error
		unread, err = p.source.ListUnread(ctx, p.opts.SubjectFilter)
		return err
	})
	if err != nil {
		return asRunError(err, syncerr.SourceUnavailable, Fetching, nil)
	}
	p.logger.Debug("listed unread", "count", len(unread))

	p.enter(Filtering)
	sel := filter.Select(unread, st.Processed, p.opts.SubjectFilter)
	p.rep.Skipped = sel.Skipped()
	pending, stale := splitUnmarked(st, unread)
	if len(sel.Batch) == 0 && len(pending) == 0 && len(stale) == 0 {
		p.logger.Debug("nothing to do", "skipped", p.rep.Skipped)
		return nil
	}

	// Once rows may reach the sink the run must end in a ledger write or a
	// reported failure, so cancellation stops here.
	work := context.WithoutCancel(ctx)
	batchIDs := receiver.IDs(sel.Batch)

	if len(sel.Batch) > 0 {
		p.enter(Appending)
		n, err := p.appendBatch(ctx, work, sel.Batch)
		if err != nil {
			return err
		}
		p.rep.Appended = n
		p.rep.AlreadyInSink = len(sel.Batch) - n

		p.enter(Committing)
		change := ledger.Change{Delivered: batchIDs, SyncedAt: p.opts.Now()}
		if err := p.commit(work, change); err != nil {
			return syncerr.New(syncerr.LedgerUnavailable, string(Committing), batchIDs, err)
		}
	}

	p.enter(Marking)
	return p.mark(work, batchIDs, pending, stale)
}

func (p *pass) appendBatch(ctx, work context.Context, batch []receiver.MessageRef) (int, error) {
	rows := make([]render.Row, 0, len(batch))
	for _, ref := range batch {
		if len(ref.Raw) == 0 {
			raw, err := p.fetchRaw(ctx, ref.ID)
			if syncerr.IsAuth(err) {
				return 0, syncerr.New(syncerr.AuthExpired, string(Appending), receiver.IDs(batch), err)
			}
			if err != nil {
				p.logger.Warn("fetch body failed", "msg_id", ref.ID, "error", err)
			}
			ref.Raw = raw
		}
		rows = append(rows, p.renderer.Render(ref))
	}
	if err := ctx.Err(); err != nil {
		return 0, syncerr.New(syncerr.KindUnknown, string(Appending), receiver.IDs(batch), err)
	}

	idempotent := p.sink.Idempotent()
	assumed := false
	var written int
	err := p.retryPolicy("append rows").Do(work, func(ctx context.Context) error {
		n, err := p.sink.AppendRows(ctx, rows)
		if err != nil && idempotent && syncerr.IsAmbiguous(err) {
			p.logger.Warn("ambiguous append on idempotent sink, assuming appended", "error", err)
			assumed = true
			written = len(rows)
			return nil
		}
		written = n
		return err
	})
	if err != nil {
		return 0, asRunError(err, syncerr.SinkUnavailable, Appending, receiver.IDs(batch))
	}
	p.logger.Info("appended rows", "count", written, "batch", len(rows), "assumed", assumed)
	return written, nil
}

func (p *pass) fetchRaw(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := p.retryPolicy("fetch body").Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = p.source.FetchRaw(ctx, id)
		return err
	})
	return raw, err
}

func (p *pass) commit(ctx context.Context, c ledger.Change) error {
	return p.retryPolicy("commit ledger").Do(ctx, func(ctx context.Context) error {
		return p.store.Commit(ctx, c)
	})
}

// mark marks this run's batch and the pending ids of earlier runs read in
// one call, then clears the unmarked flag for the confirmed ids and for
// stale ones, which are no longer unread at the source.
func (p *pass) mark(ctx context.Context, batch, pending, stale []string) error {
	ids := make([]string, 0, len(batch)+len(pending))
	ids = append(append(ids, batch...), pending...)

	var res receiver.MarkResult
	if len(ids) > 0 {
		err := p.retryPolicy("mark read").Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = p.source.MarkRead(ctx, ids)
			return err
		})
		if err != nil {
			p.rep.Unmarked = ids
			return asRunError(err, syncerr.SourceUnavailable, Marking, ids)
		}
	}

	confirmed := make(map[string]struct{}, len(res.Confirmed))
	for _, id := range res.Confirmed {
		confirmed[id] = struct{}{}
	}
	var failed []string
	for _, id := range ids {
		if _, ok := confirmed[id]; !ok {
			failed = append(failed, id)
		}
	}
	for _, id := range pending {
		if _, ok := confirmed[id]; ok {
			p.rep.Remarked++
		}
	}
	if len(failed) > 0 {
		p.rep.Unmarked = failed
		p.rep.PartialMark = syncerr.New(syncerr.PartialMarkFailure, string(Marking), failed, nil)
		p.logger.Warn("some messages not marked read, will retry next run", "ids", failed)
	}

	cleared := append(append([]string(nil), res.Confirmed...), stale...)
	if len(cleared) == 0 {
		return nil
	}
	if err := p.commit(ctx, ledger.Change{Marked: cleared, SyncedAt: p.opts.Now()}); err != nil {
		// The flags stay set; re-marking next run is harmless.
		p.logger.Warn("recording marked ids failed", "error", err)
	}
	return nil
}

// splitUnmarked partitions the ledger's unmarked ids into those still unread
// (in listing order) and those no longer unread.
func splitUnmarked(st *ledger.State, unread []receiver.MessageRef) (pending, stale []string) {
	if len(st.Unmarked) == 0 {
		return nil, nil
	}
	listed := make(map[string]struct{}, len(unread))
	for _, ref := range unread {
		if _, dup := listed[ref.ID]; dup {
			continue
		}
		listed[ref.ID] = struct{}{}
		if _, ok := st.Unmarked[ref.ID]; ok {
			pending = append(pending, ref.ID)
		}
	}
	for id := range st.Unmarked {
		if _, ok := listed[id]; !ok {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return pending, stale
}

// asRunError returns err unchanged when it already carries a kind, and
// otherwise wraps it with fallback (or AuthExpired for auth failures).
func asRunError(err error, fallback syncerr.Kind, state State, ids []string) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	kind := fallback
	if syncerr.IsAuth(err) {
		kind = syncerr.AuthExpired
	}
	return syncerr.New(kind, string(state), ids, err)
}
