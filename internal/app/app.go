package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"festbot/internal/bot"
	"festbot/internal/config"
	"festbot/internal/eventbus"
	"festbot/internal/metrics"
	"festbot/internal/notifier"
	"festbot/internal/ops"
	rtsup "festbot/internal/runtime/supervisor"
	"festbot/internal/scheduler"
	kit "festbot/internal/transport"
	telegram "festbot/internal/transport/telegram/adapter"
	"festbot/internal/transport/telegram/router"
	logx "festbot/pkg/logx"
)

const (
	jobScan      = "scan"
	jobCountdown = "countdown"
)

// App is `festbot serve`: the bot, the in-process scheduler, the ops
// server and config hot reload around a Core.
type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Mem
	core *Core

	adapter  *telegram.Adapter
	handlers *bot.Handlers
	cmdm     *router.CommandManager
	sched    *scheduler.Service
	ops      *ops.Service
	metrics  *metrics.Collector
	sups     *rtsup.Registry

	withinMu sync.RWMutex
	within   time.Duration

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

// New loads nothing itself: cfgm must already hold a committed config.
func New(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, fmt.Errorf("telegram.token is required for serve (or set FESTBOT_TELEGRAM_TOKEN)")
	}
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	within, err := cfg.Delivery.Within()
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(tgCfg, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	ad.SetLogger(log.With(logx.String("comp", "telegram")))

	bus := eventbus.New()
	sender := bot.NewSender(ad, log.With(logx.String("comp", "sender")))
	core, err := NewCore(ctx, cfg, log.With(logx.String("comp", "core")), CoreOptions{Sender: sender, Bus: bus})
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)
	metrics.RegisterBusDrops(reg, bus)

	sups := rtsup.NewRegistry()
	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")), bus)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		core:    core,
		adapter: ad,
		sched:   sched,
		metrics: mc,
		sups:    sups,
		within:  within,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Supervisors: sups,
		Scheduler:   sched.Snapshot,
		Gatherer:    reg,
		Ping:        core.Store().Ping,
		Started:     time.Now(),
	}, log.With(logx.String("comp", "ops")))

	a.handlers = bot.NewHandlers(bot.Deps{
		Store:     core.Store(),
		Registry:  core.Registry(),
		Confirmer: core.Confirmer(),
		Sender:    sender,
		Operator:  core,
		Within:    a.countdownWithin,
		Log:       log.With(logx.String("comp", "bot")),
	})
	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	a.cmdm.SetSupervisorRegistry(sups)

	if err := a.registerJobs(cfg); err != nil {
		_ = core.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) countdownWithin() time.Duration {
	a.withinMu.RLock()
	defer a.withinMu.RUnlock()
	return a.within
}

// registerJobs (re)installs the scan and countdown schedules.
func (a *App) registerJobs(cfg *config.Config) error {
	scan, countdown := scheduleSpecs(cfg)
	if err := installJob(a.sched, a.log, jobScan, scan, defaultScanTimeout, func(ctx context.Context) error {
		_, _, err := a.core.scan(ctx, "schedule")
		return err
	}); err != nil {
		return err
	}
	return installJob(a.sched, a.log, jobCountdown, countdown, defaultCycleTimeout, func(ctx context.Context) error {
		_, err := a.core.countdown(ctx, a.countdownWithin(), "schedule")
		return err
	})
}

// installJob adds or replaces name, or removes it when spec is "off".
func installJob(s *scheduler.Service, log logx.Logger, name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if isScheduleOff(spec) {
		if s.Remove(name) {
			log.Info("schedule turned off", logx.String("job", name))
		}
		return nil
	}
	return s.Add(name, spec, timeout, job)
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateRuntime(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, err := mapTelegramConfig(cfg)
		return err
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sups.Set("telegram.adapter", a.adapter.Supervisor())

	a.cmdm.SetRegistry(runCtx, a.handlers.Commands(), a.handlers.Callbacks())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.startEventLog()

	a.sched.Start(runCtx)
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Schedule.RunOnStart && a.sched.Enabled() {
		a.sup.Go0("schedule.run_on_start", func(c context.Context) {
			for _, name := range []string{jobScan, jobCountdown} {
				if c.Err() != nil {
					return
				}
				err := a.sched.RunNow(c, name)
				if errors.Is(err, scheduler.ErrUnknownSchedule) {
					continue // turned off
				}
				if err != nil {
					a.log.Warn("run on start failed", logx.String("job", name), logx.Err(err))
				}
			}
		})
	}

	a.ops.Start(runCtx)
	a.sups.Set("ops", a.ops.Supervisor())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)))
	return nil
}

// eventLogTopics are mirrored into the debug log. Successful per-chat
// deliveries are left to metrics.
var eventLogTopics = []string{"cycle.", "schedule.", notifier.TopicFailed}

// startEventLog mirrors bus events into debug logs.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if eventbus.HasPrefix(e, eventLogTopics...) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "source":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "telegram":
			if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
				a.log.Warn("telegram token or poll timeout changed; restart required")
			}
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.core.Notifier().Apply(ncfg)
	}
	if within, err := newCfg.Delivery.Within(); err == nil {
		a.withinMu.Lock()
		a.within = within
		a.withinMu.Unlock()
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if err := a.registerJobs(newCfg); err != nil {
		a.log.Warn("schedule update failed; keeping previous", logx.Err(err))
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
		a.sups.Set("ops", a.ops.Supervisor())
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order, bounding each
// step so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.core.Close()
	}
	a.log.Info("stopping", logx.String("reason", reason))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}
	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.core.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Serve runs the app until ctx is cancelled or a component fails fatally.
func Serve(ctx context.Context, cfgm *config.ConfigManager) error {
	a, err := New(ctx, cfgm)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, "start failed")
		return err
	}

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal error"
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
