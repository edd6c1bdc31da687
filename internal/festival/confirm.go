package festival

import (
	"context"
	"fmt"
	"time"

	logx "festbot/pkg/logx"
)

// Confirmer records that a subscriber acknowledged an event.
type Confirmer struct {
	ledger Ledger
	subs   SubscriberStore
	now    Clock
	log    logx.Logger
}

func NewConfirmer(ledger Ledger, subs SubscriberStore, log logx.Logger) *Confirmer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Confirmer{ledger: ledger, subs: subs, now: time.Now, log: log}
}

// SetClock overrides the time source.
func (c *Confirmer) SetClock(clock Clock) { c.now = clock }

// Confirm marks (eventKey, chatID) confirmed. It is idempotent: a repeated
// call reports alreadyConfirmed and leaves the original timestamp in place.
// Missing ledger rows are created, and an unknown chat is registered as a
// subscriber, instead of rejecting the acknowledgement.
func (c *Confirmer) Confirm(ctx context.Context, eventKey string, chatID int64) (alreadyConfirmed bool, err error) {
	if eventKey == "" {
		return false, fmt.Errorf("confirm: empty event key")
	}
	now := c.now()
	if c.subs != nil {
		created, err := c.subs.UpsertSubscriber(ctx, Subscriber{ChatID: chatID, CreatedAt: now})
		if err != nil {
			return false, fmt.Errorf("confirm: register subscriber: %w", err)
		}
		if created {
			c.log.Info("subscriber registered by confirmation", logx.Int64("chat_id", chatID))
		}
	}
	updated, err := c.ledger.Confirm(ctx, eventKey, chatID, now)
	if err != nil {
		return false, fmt.Errorf("confirm %s/%d: %w", eventKey, chatID, err)
	}
	c.log.Info("delivery confirmed",
		logx.String("event", eventKey),
		logx.Int64("chat_id", chatID),
		logx.Bool("already", !updated),
	)
	return !updated, nil
}
