package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"festbot/internal/festival"
	logx "festbot/pkg/logx"
)

// Store implements festival.Store on SQLite or PostgreSQL.
type Store struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger
}

var _ festival.Store = (*Store)(nil)

func (s *Store) Driver() string { return s.driver }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// exec rebinds q for the active driver and returns rows affected.
func (s *Store) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// in expands the IN (?) placeholder of q for args and rebinds it.
func (s *Store) in(q string, args ...any) (string, []any, error) {
	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), args, nil
}

// ---- events ----

func (s *Store) InsertEvent(ctx context.Context, e festival.Event) (bool, error) {
	n, err := s.exec(ctx, `
		INSERT INTO events (`+eventCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, NULL)
		ON CONFLICT (source_key) DO NOTHING`,
		e.Key, e.Title, e.ImageURL, e.DetailURL, e.TimeText,
		nullMS(e.StartAt), nullMS(e.EndAt), e.Fingerprint,
		e.FirstSeenAt.UnixMilli(), e.LastSeenAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", e.Key, err)
	}
	return n == 1, nil
}

func (s *Store) UpdateEventContent(ctx context.Context, e festival.Event) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE events
		SET title = ?, image_url = ?, detail_url = ?, time_text = ?,
			start_at = ?, end_at = ?, fingerprint = ?, updated_at = ?
		WHERE source_key = ? AND fingerprint <> ?`,
		e.Title, e.ImageURL, e.DetailURL, e.TimeText,
		nullMS(e.StartAt), nullMS(e.EndAt), e.Fingerprint, e.UpdatedAt.UnixMilli(),
		e.Key, e.Fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", e.Key, err)
	}
	return n > 0, nil
}

func (s *Store) MarkSeen(ctx context.Context, keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	q, args, err := s.in(`
		UPDATE events SET active = 1, removed_at = NULL, last_seen_at = ?
		WHERE source_key IN (?)`, at.UnixMilli(), keys)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

func (s *Store) DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int64, error) {
	if len(seen) == 0 {
		n, err := s.exec(ctx, `UPDATE events SET active = 0, removed_at = ? WHERE active = 1`, at.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("deactivate events: %w", err)
		}
		return n, nil
	}
	q, args, err := s.in(`
		UPDATE events SET active = 0, removed_at = ?
		WHERE active = 1 AND source_key NOT IN (?)`, at.UnixMilli(), seen)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetEvent(ctx context.Context, key string) (festival.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+eventCols+` FROM events WHERE source_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return festival.Event{}, fmt.Errorf("event %s: %w", key, festival.ErrNotFound)
	}
	if err != nil {
		return festival.Event{}, fmt.Errorf("get event %s: %w", key, err)
	}
	return row.event(), nil
}

// GetEvents returns the stored events among keys, in the order of keys.
// Unknown keys are skipped.
func (s *Store) GetEvents(ctx context.Context, keys []string) ([]festival.Event, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	q, args, err := s.in(`SELECT `+eventCols+` FROM events WHERE source_key IN (?)`, keys)
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	byKey := make(map[string]festival.Event, len(rows))
	for _, r := range rows {
		byKey[r.SourceKey] = r.event()
	}
	out := make([]festival.Event, 0, len(rows))
	for _, k := range keys {
		if ev, ok := byKey[k]; ok {
			out = append(out, ev)
			delete(byKey, k)
		}
	}
	return out, nil
}

func (s *Store) CurrentEvents(ctx context.Context, now time.Time) ([]festival.Event, error) {
	return s.selectEvents(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE active = 1 AND (end_at IS NULL OR end_at >= ?)
		ORDER BY CASE WHEN start_at IS NULL THEN 1 ELSE 0 END, start_at, first_seen_at DESC`,
		now.UnixMilli())
}

func (s *Store) EndingBetween(ctx context.Context, from, to time.Time) ([]festival.Event, error) {
	return s.selectEvents(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE active = 1 AND end_at IS NOT NULL AND end_at >= ? AND end_at <= ?
		ORDER BY end_at, source_key`,
		from.UnixMilli(), to.UnixMilli())
}

func (s *Store) selectEvents(ctx context.Context, q string, args ...any) ([]festival.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	out := make([]festival.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

// ---- subscribers ----

func (s *Store) UpsertSubscriber(ctx context.Context, sub festival.Subscriber) (bool, error) {
	n, err := s.exec(ctx, `
		INSERT INTO subscribers (chat_id, username, first_name, last_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO NOTHING`,
		sub.ChatID, sub.Username, sub.FirstName, sub.LastName, sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert subscriber %d: %w", sub.ChatID, err)
	}
	if n == 1 {
		return true, nil
	}
	if sub.Username == "" && sub.FirstName == "" && sub.LastName == "" {
		return false, nil
	}
	_, err = s.exec(ctx, `
		UPDATE subscribers
		SET username = COALESCE(NULLIF(?, ''), username),
			first_name = COALESCE(NULLIF(?, ''), first_name),
			last_name = COALESCE(NULLIF(?, ''), last_name)
		WHERE chat_id = ?`,
		sub.Username, sub.FirstName, sub.LastName, sub.ChatID,
	)
	if err != nil {
		return false, fmt.Errorf("refresh subscriber %d: %w", sub.ChatID, err)
	}
	return false, nil
}

func (s *Store) ListSubscribers(ctx context.Context) ([]festival.Subscriber, error) {
	var rows []subscriberRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT chat_id, username, first_name, last_name, created_at
		FROM subscribers ORDER BY created_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]festival.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.subscriber())
	}
	return out, nil
}

// ---- delivery ledger ----

func (s *Store) GetDelivery(ctx context.Context, eventKey string, chatID int64) (festival.Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+deliveryCols+` FROM deliveries WHERE event_key = ? AND chat_id = ?`),
		eventKey, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return festival.Delivery{}, fmt.Errorf("delivery %s/%d: %w", eventKey, chatID, festival.ErrNotFound)
	}
	if err != nil {
		return festival.Delivery{}, fmt.Errorf("get delivery %s/%d: %w", eventKey, chatID, err)
	}
	return row.delivery(), nil
}

func (s *Store) DeliveriesForChat(ctx context.Context, chatID int64, eventKeys []string) (map[string]festival.Delivery, error) {
	out := make(map[string]festival.Delivery, len(eventKeys))
	if len(eventKeys) == 0 {
		return out, nil
	}
	q, args, err := s.in(`
		SELECT `+deliveryCols+` FROM deliveries
		WHERE chat_id = ? AND event_key IN (?)`, chatID, eventKeys)
	if err != nil {
		return nil, err
	}
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("deliveries for %d: %w", chatID, err)
	}
	for _, r := range rows {
		out[r.EventKey] = r.delivery()
	}
	return out, nil
}

func (s *Store) ClaimInitial(ctx context.Context, c festival.Claim, now time.Time, ttl time.Duration) (bool, error) {
	return s.claim(ctx, c, now, ttl, `deliveries.initial_sent_at IS NULL`)
}

func (s *Store) ClaimReminder(ctx context.Context, c festival.Claim, now time.Time, ttl time.Duration) (bool, error) {
	return s.claim(ctx, c, now, ttl, `deliveries.confirmed_at IS NULL`)
}

// claim inserts the pair holding c.Token, or takes over an existing row when
// guard holds and no other claim is live at now.
func (s *Store) claim(ctx context.Context, c festival.Claim, now time.Time, ttl time.Duration, guard string) (bool, error) {
	ms := now.UnixMilli()
	n, err := s.exec(ctx, `
		INSERT INTO deliveries (event_key, chat_id, reminder_count, claim_token, claimed_until, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (event_key, chat_id) DO UPDATE
		SET claim_token = excluded.claim_token,
			claimed_until = excluded.claimed_until,
			updated_at = excluded.updated_at
		WHERE `+guard+`
			AND (deliveries.claimed_until IS NULL OR deliveries.claimed_until < ?)`,
		c.EventKey, c.ChatID, c.Token, now.Add(ttl).UnixMilli(), ms, ms, ms,
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%d: %w", c.EventKey, c.ChatID, err)
	}
	return n == 1, nil
}

func (s *Store) MarkInitialSent(ctx context.Context, c festival.Claim, at time.Time) error {
	return s.finish(ctx, c, `initial_sent_at = COALESCE(initial_sent_at, ?)`, at)
}

func (s *Store) MarkReminderSent(ctx context.Context, c festival.Claim, at time.Time) error {
	return s.finish(ctx, c, `reminder_count = reminder_count + 1, last_reminder_at = ?`, at)
}

// finish applies set (which takes the timestamp as its only argument) and
// drops the claim if it is still ours.
func (s *Store) finish(ctx context.Context, c festival.Claim, set string, at time.Time) error {
	ms := at.UnixMilli()
	n, err := s.exec(ctx, `
		UPDATE deliveries
		SET `+set+`,
			claim_token = CASE WHEN claim_token = ? THEN NULL ELSE claim_token END,
			claimed_until = CASE WHEN claim_token = ? THEN NULL ELSE claimed_until END,
			updated_at = ?
		WHERE event_key = ? AND chat_id = ?`,
		ms, c.Token, c.Token, ms, c.EventKey, c.ChatID,
	)
	if err != nil {
		return fmt.Errorf("record delivery %s/%d: %w", c.EventKey, c.ChatID, err)
	}
	if n == 0 {
		return fmt.Errorf("record delivery %s/%d: %w", c.EventKey, c.ChatID, festival.ErrNotFound)
	}
	return nil
}

// ReleaseClaim drops a claim held by c.Token. The row stays as the record
// of the attempt; its unset timestamps leave it open for the next claim.
func (s *Store) ReleaseClaim(ctx context.Context, c festival.Claim) error {
	_, err := s.exec(ctx, `
		UPDATE deliveries SET claim_token = NULL, claimed_until = NULL
		WHERE event_key = ? AND chat_id = ? AND claim_token = ?`,
		c.EventKey, c.ChatID, c.Token)
	if err != nil {
		return fmt.Errorf("release claim %s/%d: %w", c.EventKey, c.ChatID, err)
	}
	return nil
}

func (s *Store) Confirm(ctx context.Context, eventKey string, chatID int64, at time.Time) (bool, error) {
	ms := at.UnixMilli()
	n, err := s.exec(ctx, `
		INSERT INTO deliveries (event_key, chat_id, reminder_count, confirmed_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT (event_key, chat_id) DO UPDATE
		SET confirmed_at = excluded.confirmed_at, updated_at = excluded.updated_at
		WHERE deliveries.confirmed_at IS NULL`,
		eventKey, chatID, ms, ms, ms,
	)
	if err != nil {
		return false, fmt.Errorf("confirm %s/%d: %w", eventKey, chatID, err)
	}
	return n > 0, nil
}
