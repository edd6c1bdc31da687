package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"festbot/internal/eventbus"
	"festbot/internal/festival"
	logx "festbot/pkg/logx"
)

// Notifier is safe for concurrent use; concurrent dispatches are serialised
// per pair by the ledger, not by the Notifier.
type Notifier struct {
	mu sync.Mutex

	log    logx.Logger
	store  festival.Store
	sender festival.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	now      festival.Clock
	newToken func() string
}

func New(cfg Config, store festival.Store, sender festival.Sender, log logx.Logger, bus eventbus.Bus) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:      log,
		store:    store,
		sender:   sender,
		bus:      bus,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	n.applyLocked(cfg)
	return n
}

// SetClock overrides the time source.
func (n *Notifier) SetClock(c festival.Clock) {
	n.mu.Lock()
	n.now = c
	n.mu.Unlock()
}

func (n *Notifier) Apply(cfg Config) {
	n.mu.Lock()
	n.applyLocked(cfg)
	n.mu.Unlock()
}

func (n *Notifier) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// DispatchInitial sends the initial notice of each event in keys to every
// subscriber that has not received it yet. Unknown and inactive keys are
// ignored. Send failures are collected in the report; a store failure aborts
// the dispatch and is returned.
func (n *Notifier) DispatchInitial(ctx context.Context, keys []string) (Report, error) {
	rep := Report{Kind: festival.KindInitial}
	if n.sender == nil {
		return rep, festival.ErrNoSender
	}
	if len(keys) == 0 {
		return rep, nil
	}
	events, err := n.store.GetEvents(ctx, keys)
	if err != nil {
		return rep, fmt.Errorf("dispatch initial: %w", err)
	}
	active := events[:0]
	for _, ev := range events {
		if ev.Active {
			active = append(active, ev)
		}
	}
	return n.dispatch(ctx, rep, active)
}

// DispatchReminders sends a countdown reminder for every active event ending
// within the window to each subscriber that has not confirmed it. A missing
// ledger row counts as unconfirmed.
func (n *Notifier) DispatchReminders(ctx context.Context, within time.Duration) (Report, error) {
	rep := Report{Kind: festival.KindReminder}
	if n.sender == nil {
		return rep, festival.ErrNoSender
	}
	if within < 0 {
		return rep, fmt.Errorf("dispatch reminders: negative window %s", within)
	}
	// The ledger keeps whole milliseconds; compare at the same precision.
	now := n.clock()().Truncate(time.Millisecond)
	events, err := n.store.EndingBetween(ctx, now, now.Add(within))
	if err != nil {
		return rep, fmt.Errorf("dispatch reminders: %w", err)
	}
	eligible := events[:0]
	for _, ev := range events {
		if ev.ReminderEligible(now, within) {
			eligible = append(eligible, ev)
		}
	}
	return n.dispatch(ctx, rep, eligible)
}

func (n *Notifier) dispatch(ctx context.Context, rep Report, events []festival.Event) (Report, error) {
	rep.Events = len(events)
	if len(events) == 0 {
		return rep, nil
	}
	subs, err := n.store.ListSubscribers(ctx)
	if err != nil {
		return rep, fmt.Errorf("dispatch %s: %w", rep.Kind, err)
	}
	for _, ev := range events {
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if err := n.deliver(ctx, &rep, ev, sub.ChatID); err != nil {
				return rep, fmt.Errorf("dispatch %s: %w", rep.Kind, err)
			}
		}
	}
	n.log.Info("dispatch finished",
		logx.String("kind", rep.Kind.String()),
		logx.Int("events", rep.Events),
		logx.Int("subscribers", len(subs)),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

// deliver runs claim, send, record for one pair. Only ledger errors are
// returned; send errors go into rep.
func (n *Notifier) deliver(ctx context.Context, rep *Report, ev festival.Event, chatID int64) error {
	n.mu.Lock()
	ttl := n.cfg.ClaimTTL
	now := n.now
	n.mu.Unlock()

	c := festival.Claim{EventKey: ev.Key, ChatID: chatID, Token: n.newToken()}

	var (
		won bool
		err error
	)
	switch rep.Kind {
	case festival.KindInitial:
		won, err = n.store.ClaimInitial(ctx, c, now(), ttl)
	default:
		won, err = n.store.ClaimReminder(ctx, c, now(), ttl)
	}
	if err != nil {
		return err
	}
	if !won {
		rep.Skipped++
		return nil
	}

	attempts, sendErr := n.sendWithRetry(ctx, ev, chatID, rep.Kind)
	if sendErr != nil {
		// The release must land even when ctx is already done.
		if err := n.store.ReleaseClaim(context.WithoutCancel(ctx), c); err != nil {
			return err
		}
		rep.Failed = append(rep.Failed, Failure{EventKey: ev.Key, ChatID: chatID, Err: sendErr})
		n.log.Warn("delivery failed",
			logx.String("kind", rep.Kind.String()),
			logx.String("event", ev.Key),
			logx.Int64("chat_id", chatID),
			logx.Int("attempts", attempts),
			logx.Err(sendErr),
		)
		n.publish(TopicFailed, rep.Kind, ev.Key, chatID, attempts, sendErr)
		return nil
	}

	at := now()
	switch rep.Kind {
	case festival.KindInitial:
		err = n.store.MarkInitialSent(context.WithoutCancel(ctx), c, at)
	default:
		err = n.store.MarkReminderSent(context.WithoutCancel(ctx), c, at)
	}
	if err != nil {
		return err
	}
	rep.Sent++
	n.publish(TopicSent, rep.Kind, ev.Key, chatID, attempts, nil)
	return nil
}

func (n *Notifier) sendWithRetry(ctx context.Context, ev festival.Event, chatID int64, kind festival.Kind) (int, error) {
	n.mu.Lock()
	cfg := n.cfg
	lim := n.limiter
	n.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := n.sender.SendEvent(callCtx, chatID, ev, kind)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		n.log.Debug("send failed",
			logx.String("event", ev.Key),
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if IsPermanent(err) || attempt >= maxAttempts {
			return attempt, lastErr
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func (n *Notifier) publish(topic string, kind festival.Kind, key string, chatID int64, attempts int, err error) {
	if n.bus == nil {
		return
	}
	at := n.clock()()
	ev := DeliveryEvent{Kind: kind.String(), EventKey: key, ChatID: chatID, Attempts: attempts, At: at}
	if err != nil {
		ev.Error = err.Error()
	}
	n.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: ev})
}

func (n *Notifier) clock() festival.Clock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) with 0.7..1.3
// jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
