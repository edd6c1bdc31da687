package notifier

import (
	"errors"
	"time"

	"festbot/internal/festival"
)

// Config controls pacing and retries of the fan-out.
type Config struct {
	RatePerSec    int
	SendTimeout   time.Duration
	ClaimTTL      time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

const (
	TopicSent   = "delivery.sent"
	TopicFailed = "delivery.failed"
	// TopicCycle is published by the application after each scan or
	// countdown cycle with a CycleEvent payload.
	TopicCycle = "cycle.finished"
)

// CycleEvent summarises one scan or countdown cycle.
type CycleEvent struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"` // "scan" | "countdown"
	Trigger     string        `json:"trigger,omitempty"`
	Started     time.Time     `json:"started"`
	Took        time.Duration `json:"took"`
	Fetched     int           `json:"fetched"`
	New         int           `json:"new"`
	Changed     int           `json:"changed"`
	Deactivated int64         `json:"deactivated"`
	Sent        int           `json:"sent"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Error       string        `json:"error,omitempty"`
}

// DeliveryEvent is the event bus payload for one send outcome.
type DeliveryEvent struct {
	Kind     string    `json:"kind"`
	EventKey string    `json:"event_key"`
	ChatID   int64     `json:"chat_id"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Failure is one pair that could not be delivered in a dispatch.
type Failure struct {
	EventKey string
	ChatID   int64
	Err      error
}

// Report summarises one dispatch.
type Report struct {
	Kind   festival.Kind
	Events int
	// Sent counts pairs delivered and recorded by this dispatch.
	Sent int
	// Skipped counts pairs the ledger refused: already sent, confirmed or
	// claimed by a concurrent cycle.
	Skipped int
	Failed  []Failure
}

// Attempted is the number of pairs that reached the sender.
func (r Report) Attempted() int { return r.Sent + len(r.Failed) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (blocked bot, deleted chat).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
