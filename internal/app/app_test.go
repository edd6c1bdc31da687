package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"festbot/internal/config"
	"festbot/internal/eventbus"
	"festbot/internal/festival"
	"festbot/internal/notifier"
	"festbot/internal/scheduler"
	"festbot/internal/storage"
	logx "festbot/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	batch []festival.ScrapedEvent
	err   error
}

func (f *fakeFetcher) Fetch(context.Context) ([]festival.ScrapedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]festival.ScrapedEvent(nil), f.batch...), f.err
}

type delivery struct {
	chatID int64
	key    string
	kind   festival.Kind
}

type recordSender struct {
	mu   sync.Mutex
	sent []delivery
}

func (r *recordSender) SendEvent(_ context.Context, chatID int64, ev festival.Event, kind festival.Kind) error {
	r.mu.Lock()
	r.sent = append(r.sent, delivery{chatID: chatID, key: ev.Key, kind: kind})
	r.mu.Unlock()
	return nil
}

func (r *recordSender) take() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type coreEnv struct {
	core   *Core
	fetch  *fakeFetcher
	sender *recordSender
	bus    *eventbus.Mem
	now    time.Time
}

func newCoreEnv(t *testing.T) *coreEnv {
	t.Helper()
	env := &coreEnv{
		fetch:  &fakeFetcher{},
		sender: &recordSender{},
		bus:    eventbus.New(),
		now:    time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{}
	cfg.Storage.Path = filepath.Join(t.TempDir(), "festbot.db")
	cfg.Delivery.RetryBase = "1ms"
	core, err := NewCore(context.Background(), cfg, logx.Nop(), CoreOptions{
		Fetcher: env.fetch,
		Sender:  env.sender,
		Bus:     env.bus,
		Clock:   func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	env.core = core
	return env
}

func ptr(t time.Time) *time.Time { return &t }

func TestCore_ScanCountdownConfirm(t *testing.T) {
	t.Parallel()
	env := newCoreEnv(t)
	ctx := context.Background()
	events, unsub := env.bus.Subscribe(64)
	defer unsub()

	for _, chat := range []int64{100, 200} {
		if _, err := env.core.Subscribe(ctx, chat); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	env.fetch.batch = []festival.ScrapedEvent{
		{Key: "moonfire", Title: "Moonfire Faire", TimeText: "x", EndAt: ptr(env.now.Add(48 * time.Hour))},
		{Key: "later", Title: "Later", TimeText: "y", EndAt: ptr(env.now.Add(30 * 24 * time.Hour))},
	}

	res, rep, err := env.core.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.New) != 2 || rep.Sent != 4 {
		t.Fatalf("res=%+v rep=%+v", res, rep)
	}
	if got := env.sender.take(); len(got) != 4 || got[0].kind != festival.KindInitial {
		t.Fatalf("initial sends=%+v", got)
	}

	// A second scan of the same batch sends nothing.
	if _, rep, err := env.core.Scan(ctx); err != nil || rep.Sent != 0 {
		t.Fatalf("rescan rep=%+v err=%v", rep, err)
	}

	if already, err := env.core.Confirm(ctx, "moonfire", 100); err != nil || already {
		t.Fatalf("confirm already=%v err=%v", already, err)
	}
	rep, err = env.core.Countdown(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("countdown: %v", err)
	}
	got := env.sender.take()
	if len(got) != 1 || got[0] != (delivery{chatID: 200, key: "moonfire", kind: festival.KindReminder}) {
		t.Fatalf("reminders=%+v rep=%+v", got, rep)
	}

	list, err := env.core.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("list=%v err=%v", list, err)
	}

	var cycles []notifier.CycleEvent
	for len(cycles) < 3 {
		select {
		case e := <-events:
			if ce, ok := e.Data.(notifier.CycleEvent); ok {
				cycles = append(cycles, ce)
			}
		case <-time.After(time.Second):
			t.Fatalf("cycles=%+v", cycles)
		}
	}
	if cycles[0].Kind != "scan" || cycles[0].New != 2 || cycles[0].Sent != 4 || cycles[0].ID == "" {
		t.Fatalf("first cycle=%+v", cycles[0])
	}
	if cycles[2].Kind != "countdown" || cycles[2].Sent != 1 {
		t.Fatalf("countdown cycle=%+v", cycles[2])
	}
}

func TestCore_ScanFetchErrorIsFatal(t *testing.T) {
	t.Parallel()
	env := newCoreEnv(t)
	env.fetch.err = errors.New("upstream down")
	if _, _, err := env.core.Scan(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   config.StorageConfig
		want storage.Config
	}{
		{"default", config.StorageConfig{}, storage.Config{Path: defaultSQLitePath}},
		{"path", config.StorageConfig{Driver: "sqlite", Path: "/tmp/a.db"}, storage.Config{Driver: "sqlite", Path: "/tmp/a.db"}},
		{"url wins", config.StorageConfig{Path: "/tmp/a.db", URL: "postgres://u@h/db", BusyTimeout: "2s"}, storage.Config{Driver: storage.DriverPostgres, DSN: "postgres://u@h/db", BusyTimeout: 2 * time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{URL: "mysql://x"}}); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestValidateRuntime(t *testing.T) {
	t.Parallel()
	ok := &config.Config{}
	ok.Schedule.Scan = "30m"
	ok.Schedule.Countdown = "cron:0 9 * * *"
	if err := validateRuntime(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	off := &config.Config{}
	off.Schedule.Countdown = "OFF"
	if err := validateRuntime(off); err != nil {
		t.Fatalf("off schedule rejected: %v", err)
	}

	bad := &config.Config{}
	bad.Schedule.Countdown = "0 9 * *"
	if err := validateRuntime(bad); err == nil {
		t.Fatal("bad countdown accepted")
	}
}

func TestInstallJob_Off(t *testing.T) {
	t.Parallel()
	s := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	if err := installJob(s, logx.Nop(), jobScan, "30m", time.Minute, job); err != nil {
		t.Fatal(err)
	}
	if err := installJob(s, logx.Nop(), jobCountdown, "09:00", time.Minute, job); err != nil {
		t.Fatal(err)
	}
	if err := installJob(s, logx.Nop(), jobCountdown, "off", time.Minute, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != jobScan {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	if err := s.RunNow(context.Background(), jobCountdown); !errors.Is(err, scheduler.ErrUnknownSchedule) {
		t.Fatalf("run removed job: %v", err)
	}
}

func TestMapLoggingConfig_GroupLog(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Telegram.GroupLog = "-100123"
	cfg.Logging.Telegram.Enabled = true
	lc := mapLoggingConfig(cfg)
	if lc.Telegram.ChatID != -100123 || !lc.Telegram.Enabled {
		t.Fatalf("logging=%+v", lc.Telegram)
	}
}
