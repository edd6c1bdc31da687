package festival

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ScrapedEvent is one record as produced by a source scrape.
//
// Key may be empty; DeriveKey is used then. StartAt/EndAt are whatever the
// time-range parser could extract and stay nil when it could not.
type ScrapedEvent struct {
	Key       string
	Title     string
	ImageURL  string
	DetailURL string
	TimeText  string
	StartAt   *time.Time
	EndAt     *time.Time
}

// Event is the canonical, persisted event.
type Event struct {
	Key         string
	Title       string
	ImageURL    string
	DetailURL   string
	TimeText    string
	StartAt     *time.Time
	EndAt       *time.Time
	Fingerprint string
	Active      bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	UpdatedAt   time.Time
	RemovedAt   *time.Time
}

// HasTime reports whether any part of the time range was parsed.
func (e Event) HasTime() bool { return e.StartAt != nil || e.EndAt != nil }

// ReminderEligible reports whether a countdown reminder may be sent at now
// for the given window: end_at known, not yet passed, and at most within away.
// Both bounds are inclusive.
func (e Event) ReminderEligible(now time.Time, within time.Duration) bool {
	if e.EndAt == nil || within < 0 {
		return false
	}
	left := e.EndAt.Sub(now)
	return left >= 0 && left <= within
}

// Subscriber is one chat that receives event notices.
type Subscriber struct {
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// Delivery is the ledger row for one (event, subscriber) pair.
type Delivery struct {
	EventKey       string
	ChatID         int64
	InitialSentAt  *time.Time
	ReminderCount  int
	LastReminderAt *time.Time
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
}

func (d Delivery) InitialSent() bool { return d.InitialSentAt != nil }
func (d Delivery) Confirmed() bool   { return d.ConfirmedAt != nil }

// DeriveKey builds a stable identity for sources that do not provide one:
// the first 16 hex chars of SHA-1 over title, time text and detail link.
func DeriveKey(title, timeText, detailURL string) string {
	sum := sha1.Sum([]byte(title + "|" + timeText + "|" + detailURL))
	return hex.EncodeToString(sum[:])[:16]
}

// Fingerprint hashes the fields whose change makes an event "changed".
func Fingerprint(title, timeText, detailURL string) string {
	h := sha256.New()
	for _, p := range []string{title, timeText, detailURL} {
		h.Write([]byte(strings.TrimSpace(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize returns the record with its key filled in and text trimmed.
func (s ScrapedEvent) Normalize() ScrapedEvent {
	s.Title = strings.TrimSpace(s.Title)
	s.TimeText = strings.TrimSpace(s.TimeText)
	s.DetailURL = strings.TrimSpace(s.DetailURL)
	s.ImageURL = strings.TrimSpace(s.ImageURL)
	if strings.TrimSpace(s.Key) == "" {
		s.Key = DeriveKey(s.Title, s.TimeText, s.DetailURL)
	}
	return s
}

// Fingerprint of the scraped content.
func (s ScrapedEvent) Fingerprint() string {
	return Fingerprint(s.Title, s.TimeText, s.DetailURL)
}
