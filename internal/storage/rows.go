package storage

import (
	"database/sql"
	"time"

	"festbot/internal/festival"
)

type eventRow struct {
	SourceKey   string        `db:"source_key"`
	Title       string        `db:"title"`
	ImageURL    string        `db:"image_url"`
	DetailURL   string        `db:"detail_url"`
	TimeText    string        `db:"time_text"`
	StartAt     sql.NullInt64 `db:"start_at"`
	EndAt       sql.NullInt64 `db:"end_at"`
	Fingerprint string        `db:"fingerprint"`
	Active      int           `db:"active"`
	FirstSeenAt int64         `db:"first_seen_at"`
	LastSeenAt  int64         `db:"last_seen_at"`
	UpdatedAt   int64         `db:"updated_at"`
	RemovedAt   sql.NullInt64 `db:"removed_at"`
}

const eventCols = `source_key, title, image_url, detail_url, time_text, start_at, end_at,
	fingerprint, active, first_seen_at, last_seen_at, updated_at, removed_at`

func (r eventRow) event() festival.Event {
	return festival.Event{
		Key:         r.SourceKey,
		Title:       r.Title,
		ImageURL:    r.ImageURL,
		DetailURL:   r.DetailURL,
		TimeText:    r.TimeText,
		StartAt:     fromNullMS(r.StartAt),
		EndAt:       fromNullMS(r.EndAt),
		Fingerprint: r.Fingerprint,
		Active:      r.Active != 0,
		FirstSeenAt: time.UnixMilli(r.FirstSeenAt),
		LastSeenAt:  time.UnixMilli(r.LastSeenAt),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt),
		RemovedAt:   fromNullMS(r.RemovedAt),
	}
}

type subscriberRow struct {
	ChatID    int64  `db:"chat_id"`
	Username  string `db:"username"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	CreatedAt int64  `db:"created_at"`
}

func (r subscriberRow) subscriber() festival.Subscriber {
	return festival.Subscriber{
		ChatID:    r.ChatID,
		Username:  r.Username,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

type deliveryRow struct {
	EventKey       string        `db:"event_key"`
	ChatID         int64         `db:"chat_id"`
	InitialSentAt  sql.NullInt64 `db:"initial_sent_at"`
	ReminderCount  int           `db:"reminder_count"`
	LastReminderAt sql.NullInt64 `db:"last_reminder_at"`
	ConfirmedAt    sql.NullInt64 `db:"confirmed_at"`
	CreatedAt      int64         `db:"created_at"`
}

const deliveryCols = `event_key, chat_id, initial_sent_at, reminder_count, last_reminder_at, confirmed_at, created_at`

func (r deliveryRow) delivery() festival.Delivery {
	return festival.Delivery{
		EventKey:       r.EventKey,
		ChatID:         r.ChatID,
		InitialSentAt:  fromNullMS(r.InitialSentAt),
		ReminderCount:  r.ReminderCount,
		LastReminderAt: fromNullMS(r.LastReminderAt),
		ConfirmedAt:    fromNullMS(r.ConfirmedAt),
		CreatedAt:      time.UnixMilli(r.CreatedAt),
	}
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// nullMS converts an optional time to a driver value (nil or unix millis).
func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
