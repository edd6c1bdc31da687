package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"festbot/internal/config"
	"festbot/internal/eventbus"
	"festbot/internal/festival"
	"festbot/internal/notifier"
	"festbot/internal/source"
	"festbot/internal/storage"
	logx "festbot/pkg/logx"
)

// Fetcher returns the current scrape batch.
type Fetcher interface {
	Fetch(ctx context.Context) ([]festival.ScrapedEvent, error)
}

// CoreOptions overrides collaborators; zero values build the defaults.
type CoreOptions struct {
	Fetcher Fetcher
	Sender  festival.Sender
	Bus     eventbus.Bus
	Clock   festival.Clock
}

// Core is the headless part of festbot: storage, scraping, reconciliation
// and delivery. Both `serve` and the one-shot subcommands run on it.
type Core struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   festival.Clock
	store *storage.Store

	fetch Fetcher
	recon *festival.Reconciler
	reg   *festival.Registry
	conf  *festival.Confirmer
	notif *notifier.Notifier
}

// NewCore opens storage (running migrations) and wires the domain services.
func NewCore(ctx context.Context, cfg *config.Config, log logx.Logger, opt CoreOptions) (*Core, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	clock := opt.Clock
	if clock == nil {
		clock = time.Now
	}

	parser := festival.TimeRangeParser(source.CNTimeRange{})
	fetch := opt.Fetcher
	if fetch == nil {
		srcCfg, err := mapSourceConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := source.New(srcCfg, log.With(logx.String("comp", "source")))
		if err != nil {
			return nil, err
		}
		fetch = client
		parser = client.Parser()
	}

	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	c := &Core{
		log:   log,
		bus:   opt.Bus,
		now:   clock,
		store: store,
		fetch: fetch,
		recon: festival.NewReconciler(store,
			festival.WithParser(parser),
			festival.WithReconcileClock(clock),
			festival.WithReconcileLogger(log.With(logx.String("comp", "reconciler"))),
		),
		reg:   festival.NewRegistry(store),
		conf:  festival.NewConfirmer(store, store, log.With(logx.String("comp", "confirm"))),
		notif: notifier.New(ncfg, store, opt.Sender, log.With(logx.String("comp", "notifier")), opt.Bus),
	}
	c.reg.SetClock(clock)
	c.conf.SetClock(clock)
	c.notif.SetClock(clock)
	return c, nil
}

func (c *Core) Store() *storage.Store          { return c.store }
func (c *Core) Registry() *festival.Registry   { return c.reg }
func (c *Core) Confirmer() *festival.Confirmer { return c.conf }
func (c *Core) Notifier() *notifier.Notifier   { return c.notif }
func (c *Core) Close() error                   { return c.store.Close() }

// Subscribe registers chatID; it reports whether the chat is new.
func (c *Core) Subscribe(ctx context.Context, chatID int64) (bool, error) {
	return c.reg.Subscribe(ctx, festival.Subscriber{ChatID: chatID})
}

// Confirm records a confirmation; see festival.Confirmer.
func (c *Core) Confirm(ctx context.Context, eventKey string, chatID int64) (bool, error) {
	return c.conf.Confirm(ctx, eventKey, chatID)
}

// List returns the current events: active and not yet ended.
func (c *Core) List(ctx context.Context) ([]festival.Event, error) {
	return c.store.CurrentEvents(ctx, c.now())
}

// Scan runs one scan cycle: fetch, reconcile, then dispatch initial notices
// for new and changed events.
func (c *Core) Scan(ctx context.Context) (festival.Result, notifier.Report, error) {
	return c.scan(ctx, "manual")
}

func (c *Core) scan(ctx context.Context, trigger string) (res festival.Result, rep notifier.Report, err error) {
	ev := c.startCycle("scan", trigger)
	log := c.log.With(logx.String("cycle", ev.ID), logx.String("trigger", trigger))
	defer func() { c.finishCycle(log, ev, rep, err) }()

	batch, err := c.fetch.Fetch(ctx)
	if err != nil {
		return res, rep, fmt.Errorf("scan: fetch: %w", err)
	}
	ev.Fetched = len(batch)

	res, err = c.recon.Reconcile(ctx, batch)
	if err != nil {
		return res, rep, fmt.Errorf("scan: %w", err)
	}
	ev.New, ev.Changed, ev.Deactivated = len(res.New), len(res.Changed), res.Deactivated
	log.Debug("reconciled",
		logx.Int("fetched", len(batch)),
		logx.Int("new", len(res.New)),
		logx.Int("changed", len(res.Changed)),
		logx.Int("unchanged", len(res.Unchanged)),
		logx.Int64("deactivated", res.Deactivated),
	)

	rep, err = c.notif.DispatchInitial(ctx, res.Notify)
	if err != nil {
		return res, rep, fmt.Errorf("scan: %w", err)
	}
	return res, rep, nil
}

// Countdown runs one countdown cycle for events ending within the window.
func (c *Core) Countdown(ctx context.Context, within time.Duration) (notifier.Report, error) {
	return c.countdown(ctx, within, "manual")
}

func (c *Core) countdown(ctx context.Context, within time.Duration, trigger string) (rep notifier.Report, err error) {
	ev := c.startCycle("countdown", trigger)
	log := c.log.With(logx.String("cycle", ev.ID), logx.String("trigger", trigger), logx.Duration("within", within))
	defer func() { c.finishCycle(log, ev, rep, err) }()

	rep, err = c.notif.DispatchReminders(ctx, within)
	if err != nil {
		return rep, fmt.Errorf("countdown: %w", err)
	}
	return rep, nil
}

func (c *Core) startCycle(kind, trigger string) *notifier.CycleEvent {
	return &notifier.CycleEvent{ID: uuid.NewString(), Kind: kind, Trigger: trigger, Started: c.now()}
}

func (c *Core) finishCycle(log logx.Logger, ev *notifier.CycleEvent, rep notifier.Report, err error) {
	ev.Took = c.now().Sub(ev.Started)
	ev.Sent, ev.Skipped, ev.Failed = rep.Sent, rep.Skipped, len(rep.Failed)
	fields := []logx.Field{
		logx.String("kind", ev.Kind),
		logx.Duration("took", ev.Took),
		logx.Int("events", rep.Events),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", len(rep.Failed)),
	}
	if ev.Kind == "scan" {
		fields = append(fields, logx.Int("new", ev.New), logx.Int("changed", ev.Changed))
	}
	switch {
	case err != nil:
		ev.Error = err.Error()
		log.Error("cycle failed", append(fields, logx.Err(err))...)
	case len(rep.Failed) > 0:
		log.Warn("cycle finished with failed deliveries", fields...)
	default:
		log.Info("cycle finished", fields...)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: notifier.TopicCycle, Time: ev.Started, Data: *ev})
	}
}
