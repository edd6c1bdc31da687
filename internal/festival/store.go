package festival

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups for a missing row.
	ErrNotFound = errors.New("not found")
	// ErrNoSender is returned when a dispatch is attempted without a sender.
	ErrNoSender = errors.New("no sender configured")
)

// EventStore is the Event Repository.
type EventStore interface {
	// InsertEvent inserts e if its key is absent. It reports false when a row
	// with the same key already exists.
	InsertEvent(ctx context.Context, e Event) (bool, error)
	// UpdateEventContent overwrites content fields of e.Key only when the
	// stored fingerprint differs from e.Fingerprint. It reports whether a
	// row changed.
	UpdateEventContent(ctx context.Context, e Event) (bool, error)
	// MarkSeen sets last_seen_at and reactivates the given events.
	MarkSeen(ctx context.Context, keys []string, at time.Time) error
	// DeactivateMissing marks active events whose key is not in seen inactive.
	DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int64, error)

	GetEvent(ctx context.Context, key string) (Event, error)
	GetEvents(ctx context.Context, keys []string) ([]Event, error)
	// CurrentEvents lists active events that have not ended at now, ordered
	// by start (unknown last) then newest first.
	CurrentEvents(ctx context.Context, now time.Time) ([]Event, error)
	// EndingBetween lists active events with from <= end_at <= to.
	EndingBetween(ctx context.Context, from, to time.Time) ([]Event, error)
}

// SubscriberStore is the Subscriber Registry persistence.
type SubscriberStore interface {
	// UpsertSubscriber inserts s or refreshes its profile fields. created_at
	// is never changed for an existing row.
	UpsertSubscriber(ctx context.Context, s Subscriber) (created bool, err error)
	// ListSubscribers returns subscribers ordered by (created_at, chat_id).
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
}

// Claim identifies an in-flight send for one delivery pair.
type Claim struct {
	EventKey string
	ChatID   int64
	Token    string
}

// Ledger is the Delivery Ledger. Every check-then-act is a single
// conditional statement so concurrent cycles cannot both win a pair.
type Ledger interface {
	GetDelivery(ctx context.Context, eventKey string, chatID int64) (Delivery, error)
	DeliveriesForChat(ctx context.Context, chatID int64, eventKeys []string) (map[string]Delivery, error)

	// ClaimInitial creates or claims the row unless the initial notice was
	// already sent or another live claim holds it until after now.
	ClaimInitial(ctx context.Context, c Claim, now time.Time, ttl time.Duration) (bool, error)
	// MarkInitialSent records the initial notice and clears the claim.
	MarkInitialSent(ctx context.Context, c Claim, at time.Time) error

	// ClaimReminder creates or claims the row unless it is confirmed or
	// held by another live claim.
	ClaimReminder(ctx context.Context, c Claim, now time.Time, ttl time.Duration) (bool, error)
	// MarkReminderSent increments reminder_count, sets last_reminder_at and
	// clears the claim.
	MarkReminderSent(ctx context.Context, c Claim, at time.Time) error

	// ReleaseClaim drops the claim after a failed send. The row is kept.
	ReleaseClaim(ctx context.Context, c Claim) error

	// Confirm sets confirmed_at when it is null, creating the row if absent.
	// It reports false when the pair was already confirmed.
	Confirm(ctx context.Context, eventKey string, chatID int64, at time.Time) (bool, error)
}

// Store is everything the core needs from persistence.
type Store interface {
	EventStore
	SubscriberStore
	Ledger
}

// TimeRangeParser extracts an optional start and end from free-form text.
// Failure to parse is not an error; the missing side is nil.
type TimeRangeParser interface {
	Parse(text string) (start, end *time.Time)
}

// Clock returns the current time; tests inject a fixed one.
type Clock func() time.Time
