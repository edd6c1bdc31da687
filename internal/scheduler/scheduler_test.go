package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"festbot/internal/eventbus"
	logx "festbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "0 */2 * * *", kind: SpecCron, cron: "0 */2 * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron:@daily", kind: SpecCron, cron: "@daily", source: "cron"},
		{in: "09:30", kind: SpecCron, cron: "30 9 * * *", source: "daily"},
		{in: "30m", kind: SpecInterval, every: 30 * time.Minute, source: "duration"},
		{in: "every:01:30", kind: SpecInterval, every: 90 * time.Minute, source: "hhmm"},
		{in: "interval:2h", kind: SpecInterval, every: 2 * time.Hour, source: "duration"},
		{in: "", wantErr: true},
		{in: "25:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "every:", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "tomorrow", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every || got.Source != tc.source {
			t.Fatalf("%q: got %+v", tc.in, got)
		}
	}
}

func TestAdd_RejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Add("scan", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Add("", "1h", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected name error")
	}
	if len(s.Snapshot().Schedules) != 0 {
		t.Fatal("invalid schedules were registered")
	}
}

func TestRemoveAndEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if s.Enabled() {
		t.Fatal("zero config reported enabled")
	}
	if err := s.Add("scan", "1h", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if !s.Remove("scan") || s.Remove("scan") {
		t.Fatal("remove should succeed exactly once")
	}
	if len(s.Snapshot().Schedules) != 0 {
		t.Fatal("removed schedule still listed")
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	defer s.Stop(context.Background())
	if !s.Enabled() {
		t.Fatal("Apply did not enable")
	}
}

func TestRunNow_PublishesAndSkipsWhenBusy(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	release := make(chan struct{})
	entered := make(chan struct{})
	if err := s.Add("scan", "1h", time.Minute, func(ctx context.Context) error {
		close(entered)
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "scan") }()
	<-entered

	if err := s.RunNow(context.Background(), "scan"); !errors.Is(err, ErrRunning) {
		t.Fatalf("second run err=%v", err)
	}
	close(release)
	if err := <-done; err == nil || err.Error() != "boom" {
		t.Fatalf("first run err=%v", err)
	}

	var skipped, failed bool
	for range 2 {
		ev := <-events
		if ev.Type != TopicRun {
			t.Fatalf("topic=%s", ev.Type)
		}
		re := ev.Data.(RunEvent)
		if re.Trigger != "manual" {
			t.Fatalf("trigger=%s", re.Trigger)
		}
		skipped = skipped || re.Skipped
		failed = failed || re.Error == "boom"
	}
	if !skipped || !failed {
		t.Fatalf("skipped=%v failed=%v", skipped, failed)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	info := snap.Schedules[0]
	if info.Runs != 1 || info.Skipped != 1 || info.LastErr != "boom" || info.Running {
		t.Fatalf("info=%+v", info)
	}
	if info.Spec != "@every 1h0m0s" {
		t.Fatalf("spec=%q", info.Spec)
	}

	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("unknown err=%v", err)
	}
}

func TestStart_FiresCronAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	var runs atomic.Int32
	if err := s.Add("tick", "* * * * * *", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	snap := s.Snapshot()
	if !snap.Started || snap.Timezone != "UTC" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("cron never fired")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Snapshot().Started {
		t.Fatal("still started after Stop")
	}
}

func TestStart_DisabledDoesNotTrigger(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	_ = s.Add("tick", "* * * * * *", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	if s.Snapshot().Started {
		t.Fatal("disabled scheduler started")
	}

	s.Apply(Config{Enabled: true})
	if !s.Snapshot().Started {
		t.Fatal("Apply(enabled) did not start")
	}
	s.Apply(Config{Enabled: false})
	if s.Snapshot().Started {
		t.Fatal("Apply(disabled) did not stop")
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalScheduleWithSpread(time.Minute, now, "scan")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter=%s", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%s want %s", first, want)
	}
	// cron.Every rounds to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("steady interval=%s", gap)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"0 */2 * * *", "@daily", "09:00", "30m", "*/10 * * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"0 */2 * *", "@fortnightly", "61 * * * *"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
