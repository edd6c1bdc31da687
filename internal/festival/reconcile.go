package festival

import (
	"context"
	"fmt"
	"time"

	logx "festbot/pkg/logx"
)

// Status classifies one scraped record against stored state.
type Status string

const (
	StatusNew       Status = "new"
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	New       []string
	Changed   []string
	Unchanged []string
	// Notify is New and Changed in batch order; the initial-notice candidates.
	Notify []string
	// Deactivated counts active events absent from this batch.
	Deactivated int64
}

// Reconciler upserts scraped batches into the Event Repository and decides
// which events need an initial notice. It never touches the Delivery Ledger.
type Reconciler struct {
	store  EventStore
	parser TimeRangeParser
	now    Clock
	log    logx.Logger
}

type ReconcilerOption func(*Reconciler)

// WithParser fills start/end for records that arrive without parsed times.
func WithParser(p TimeRangeParser) ReconcilerOption {
	return func(r *Reconciler) { r.parser = p }
}

func WithReconcileClock(c Clock) ReconcilerOption {
	return func(r *Reconciler) { r.now = c }
}

func WithReconcileLogger(log logx.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = log }
}

func NewReconciler(store EventStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: store, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile classifies each record as new, changed or unchanged and persists
// new and changed content. Duplicate keys within one batch are collapsed to
// the first occurrence. A store error aborts the pass; rows already written
// stay written.
func (r *Reconciler) Reconcile(ctx context.Context, batch []ScrapedEvent) (Result, error) {
	var res Result
	now := r.now()
	seen := make(map[string]struct{}, len(batch))
	keys := make([]string, 0, len(batch))

	for _, raw := range batch {
		se := raw.Normalize()
		if se.Title == "" {
			continue
		}
		if _, dup := seen[se.Key]; dup {
			continue
		}
		seen[se.Key] = struct{}{}
		keys = append(keys, se.Key)

		st, err := r.apply(ctx, se, now)
		if err != nil {
			return res, fmt.Errorf("reconcile %s: %w", se.Key, err)
		}
		switch st {
		case StatusNew:
			res.New = append(res.New, se.Key)
			res.Notify = append(res.Notify, se.Key)
		case StatusChanged:
			res.Changed = append(res.Changed, se.Key)
			res.Notify = append(res.Notify, se.Key)
		default:
			res.Unchanged = append(res.Unchanged, se.Key)
		}
		r.log.Debug("event reconciled", logx.String("key", se.Key), logx.String("status", string(st)))
	}

	if len(keys) == 0 {
		// An empty scrape is more likely a source outage than every event
		// disappearing at once; leave activity flags alone.
		return res, nil
	}
	if err := r.store.MarkSeen(ctx, keys, now); err != nil {
		return res, fmt.Errorf("mark seen: %w", err)
	}
	n, err := r.store.DeactivateMissing(ctx, keys, now)
	if err != nil {
		return res, fmt.Errorf("deactivate missing: %w", err)
	}
	res.Deactivated = n
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, se ScrapedEvent, now time.Time) (Status, error) {
	start, end := se.StartAt, se.EndAt
	if start == nil && end == nil && r.parser != nil && se.TimeText != "" {
		start, end = r.parser.Parse(se.TimeText)
	}
	ev := Event{
		Key:         se.Key,
		Title:       se.Title,
		ImageURL:    se.ImageURL,
		DetailURL:   se.DetailURL,
		TimeText:    se.TimeText,
		StartAt:     start,
		EndAt:       end,
		Fingerprint: se.Fingerprint(),
		Active:      true,
		FirstSeenAt: now,
		LastSeenAt:  now,
		UpdatedAt:   now,
	}

	inserted, err := r.store.InsertEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	if inserted {
		return StatusNew, nil
	}
	changed, err := r.store.UpdateEventContent(ctx, ev)
	if err != nil {
		return "", err
	}
	if changed {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}
