package notifier_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"festbot/internal/eventbus"
	"festbot/internal/festival"
	"festbot/internal/notifier"
	"festbot/internal/storage"
	logx "festbot/pkg/logx"
)

type sent struct {
	chatID int64
	key    string
	kind   festival.Kind
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[int64]error
	calls map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: map[int64]error{}, calls: map[int64]int{}}
}

func (f *fakeSender) SendEvent(_ context.Context, chatID int64, ev festival.Event, kind festival.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[chatID]++
	if err := f.fail[chatID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{chatID: chatID, key: ev.Key, kind: kind})
	return nil
}

func (f *fakeSender) setFail(chatID int64, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.fail, chatID)
	} else {
		f.fail[chatID] = err
	}
	f.mu.Unlock()
}

func (f *fakeSender) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type env struct {
	store  *storage.Store
	sender *fakeSender
	notif  *notifier.Notifier
	recon  *festival.Reconciler
	conf   *festival.Confirmer
	reg    *festival.Registry
	bus    *eventbus.Mem
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "festbot.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := &env{
		store:  st,
		sender: newFakeSender(),
		bus:    eventbus.New(),
		now:    time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.notif = notifier.New(notifier.Config{
		RatePerSec: 1000,
		RetryBase:  time.Millisecond,
	}, st, e.sender, logx.Nop(), e.bus)
	e.notif.SetClock(clock)
	e.recon = festival.NewReconciler(st, festival.WithReconcileClock(clock))
	e.conf = festival.NewConfirmer(st, st, logx.Nop())
	e.conf.SetClock(clock)
	e.reg = festival.NewRegistry(st)
	e.reg.SetClock(clock)
	return e
}

func (e *env) subscribe(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := e.reg.Subscribe(context.Background(), festival.Subscriber{ChatID: id}); err != nil {
			t.Fatalf("subscribe %d: %v", id, err)
		}
		// distinct created_at keeps the order deterministic
		e.now = e.now.Add(time.Second)
	}
}

func (e *env) scan(t *testing.T, batch ...festival.ScrapedEvent) festival.Result {
	t.Helper()
	res, err := e.recon.Reconcile(context.Background(), batch)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return res
}

func (e *env) initial(t *testing.T, keys []string) notifier.Report {
	t.Helper()
	rep, err := e.notif.DispatchInitial(context.Background(), keys)
	if err != nil {
		t.Fatalf("dispatch initial: %v", err)
	}
	return rep
}

func (e *env) remind(t *testing.T, within time.Duration) notifier.Report {
	t.Helper()
	rep, err := e.notif.DispatchReminders(context.Background(), within)
	if err != nil {
		t.Fatalf("dispatch reminders: %v", err)
	}
	return rep
}

func chats(s []sent) []int64 {
	out := make([]int64, 0, len(s))
	for _, x := range s {
		out = append(out, x.chatID)
	}
	return out
}

func sameChats(got []sent, want ...int64) bool {
	g := chats(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func at(t time.Time) *time.Time { return &t }

func TestDispatchInitial_Idempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 10, 20, 30)

	res := e.scan(t, festival.ScrapedEvent{Key: "k1", Title: "Summer", TimeText: "soon"})
	rep := e.initial(t, res.Notify)
	if rep.Sent != 3 || rep.Skipped != 0 {
		t.Fatalf("first dispatch: %+v", rep)
	}
	if got := e.sender.take(); !sameChats(got, 10, 20, 30) {
		t.Fatalf("order: %v", chats(got))
	}

	res = e.scan(t, festival.ScrapedEvent{Key: "k1", Title: "Summer", TimeText: "soon"})
	if len(res.Notify) != 0 || len(res.Unchanged) != 1 {
		t.Fatalf("rescan should be unchanged: %+v", res)
	}
	rep = e.initial(t, []string{"k1"})
	if rep.Sent != 0 || rep.Skipped != 3 {
		t.Fatalf("second dispatch must not resend: %+v", rep)
	}
	if got := e.sender.take(); len(got) != 0 {
		t.Fatalf("unexpected sends: %v", chats(got))
	}
}

func TestDispatchInitial_ChangedEventReachesOnlyNewSubscribers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1)

	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "Faire", TimeText: "a"})
	e.initial(t, res.Notify)
	e.sender.take()

	e.subscribe(t, 2)
	res = e.scan(t, festival.ScrapedEvent{Key: "k", Title: "Faire", TimeText: "b"})
	if len(res.Changed) != 1 || res.Notify[0] != "k" {
		t.Fatalf("expected changed: %+v", res)
	}
	ev, err := e.store.GetEvent(context.Background(), "k")
	if err != nil || ev.TimeText != "b" {
		t.Fatalf("content not updated: %+v err=%v", ev, err)
	}

	rep := e.initial(t, res.Notify)
	if rep.Sent != 1 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if got := e.sender.take(); !sameChats(got, 2) {
		t.Fatalf("sent to %v, want [2]", chats(got))
	}
}

func TestDispatchInitial_PartialFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1, 2, 3)
	e.sender.setFail(2, errors.New("network"))

	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T"})
	rep := e.initial(t, res.Notify)
	if rep.Sent != 2 || len(rep.Failed) != 1 || rep.Failed[0].ChatID != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if got := e.sender.take(); !sameChats(got, 1, 3) {
		t.Fatalf("sent to %v", chats(got))
	}

	// RetryMax defaults to zero
	e.sender.mu.Lock()
	calls := e.sender.calls[2]
	e.sender.mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls to failing chat=%d, want 1 without retries", calls)
	}

	// The attempt stays in the ledger, unsent and unclaimed.
	d, err := e.store.GetDelivery(context.Background(), "k", 2)
	if err != nil {
		t.Fatalf("failed pair has no ledger row: %v", err)
	}
	if d.InitialSent() || d.Confirmed() || d.ReminderCount != 0 {
		t.Fatalf("failed pair recorded as delivered: %+v", d)
	}

	e.sender.setFail(2, nil)
	rep = e.initial(t, []string{"k"})
	if rep.Sent != 1 || rep.Skipped != 2 {
		t.Fatalf("retry cycle: %+v", rep)
	}
	if got := e.sender.take(); !sameChats(got, 2) {
		t.Fatalf("retry sent to %v", chats(got))
	}
}

func TestDispatchInitial_RetriesTransientButNotPermanent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.notif.Apply(notifier.Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond})
	e.subscribe(t, 1, 2)
	e.sender.setFail(1, errors.New("timeout"))
	e.sender.setFail(2, notifier.Permanent(errors.New("bot was blocked")))

	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T"})
	rep := e.initial(t, res.Notify)
	if len(rep.Failed) != 2 {
		t.Fatalf("report: %+v", rep)
	}
	e.sender.mu.Lock()
	defer e.sender.mu.Unlock()
	if e.sender.calls[1] != 3 || e.sender.calls[2] != 1 {
		t.Fatalf("calls=%v, want transient=3 permanent=1", e.sender.calls)
	}
}

func TestDispatchInitial_SkipsInactiveAndUnknown(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1)
	e.scan(t,
		festival.ScrapedEvent{Key: "gone", Title: "Gone"},
		festival.ScrapedEvent{Key: "stay", Title: "Stay"},
	)
	e.scan(t, festival.ScrapedEvent{Key: "stay", Title: "Stay"})

	rep := e.initial(t, []string{"gone", "missing"})
	if rep.Events != 0 || rep.Sent != 0 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestDispatchInitial_NoSender(t *testing.T) {
	t.Parallel()
	n := notifier.New(notifier.Config{}, nil, nil, logx.Nop(), nil)
	if _, err := n.DispatchInitial(context.Background(), []string{"k"}); !errors.Is(err, festival.ErrNoSender) {
		t.Fatalf("err=%v", err)
	}
}

func TestDispatchReminders_Boundary(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1)
	within := 72 * time.Hour
	now := e.now

	e.scan(t,
		festival.ScrapedEvent{Key: "edge", Title: "Edge", EndAt: at(now.Add(within))},
		festival.ScrapedEvent{Key: "over", Title: "Over", EndAt: at(now.Add(within + time.Millisecond))},
		festival.ScrapedEvent{Key: "ending", Title: "Ending", EndAt: at(now)},
		festival.ScrapedEvent{Key: "ended", Title: "Ended", EndAt: at(now.Add(-time.Millisecond))},
		festival.ScrapedEvent{Key: "open", Title: "Open"},
	)

	rep := e.remind(t, within)
	got := map[string]bool{}
	for _, s := range e.sender.take() {
		if s.kind != festival.KindReminder {
			t.Fatalf("kind=%v", s.kind)
		}
		got[s.key] = true
	}
	if rep.Events != 2 || !got["edge"] || !got["ending"] || len(got) != 2 {
		t.Fatalf("reminded %v, report %+v", got, rep)
	}
}

func TestDispatchReminders_SubMillisecondNow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1)
	e.now = e.now.Add(500 * time.Microsecond)
	e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T", EndAt: at(e.now)})

	rep := e.remind(t, time.Hour)
	if rep.Events != 1 || rep.Sent != 1 {
		t.Fatalf("event ending now was not reminded: %+v", rep)
	}
}

func TestDispatchInitial_FailedAttemptKeepsRow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1)
	e.sender.setFail(1, errors.New("network"))

	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T", EndAt: at(e.now.Add(time.Hour))})
	if rep := e.initial(t, res.Notify); len(rep.Failed) != 1 {
		t.Fatalf("report: %+v", rep)
	}
	d, err := e.store.GetDelivery(context.Background(), "k", 1)
	if err != nil {
		t.Fatalf("attempted pair has no ledger row: %v", err)
	}
	if d.InitialSentAt != nil {
		t.Fatalf("failed send marked as sent: %+v", d)
	}

	// The kept row does not count as confirmed, so reminders still reach it.
	e.sender.setFail(1, nil)
	if rep := e.remind(t, 72*time.Hour); rep.Sent != 1 {
		t.Fatalf("reminder after failed initial: %+v", rep)
	}
}

func TestDispatchReminders_StopAfterConfirm(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.subscribe(t, 1, 2)
	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T", EndAt: at(e.now.Add(24 * time.Hour))})
	e.initial(t, res.Notify)
	e.sender.take()

	if already, err := e.conf.Confirm(context.Background(), "k", 1); err != nil || already {
		t.Fatalf("confirm: already=%v err=%v", already, err)
	}
	rep := e.remind(t, 72*time.Hour)
	if rep.Sent != 1 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if got := e.sender.take(); !sameChats(got, 2) {
		t.Fatalf("reminded %v, want [2]", chats(got))
	}
}

func TestDispatchReminders_MissingRowCountsAsUnconfirmed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T", EndAt: at(e.now.Add(time.Hour))})
	// subscribed after the initial cycle; never received the initial notice
	e.subscribe(t, 5)

	rep := e.remind(t, 72*time.Hour)
	if rep.Sent != 1 {
		t.Fatalf("report: %+v", rep)
	}
	d, err := e.store.GetDelivery(context.Background(), "k", 5)
	if err != nil {
		t.Fatal(err)
	}
	if d.InitialSent() || d.ReminderCount != 1 || d.LastReminderAt == nil {
		t.Fatalf("delivery: %+v", d)
	}
}

func TestDispatch_PublishesOutcomes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ch, unsub := e.bus.Subscribe(8)
	defer unsub()
	e.subscribe(t, 1, 2)
	e.sender.setFail(2, errors.New("x"))

	res := e.scan(t, festival.ScrapedEvent{Key: "k", Title: "T"})
	e.initial(t, res.Notify)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events: %v", types)
		}
	}
	if types[0] != notifier.TopicSent || types[1] != notifier.TopicFailed {
		t.Fatalf("events: %v", types)
	}
}

// Moonfire Faire: three subscribers, one confirms, the others keep getting
// countdown reminders until they confirm.
func TestMoonfireFaire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	const a, b, c = 100, 200, 300
	e.subscribe(t, a, b, c)

	faire := festival.ScrapedEvent{
		Key:       "moonfire-2025",
		Title:     "Moonfire Faire",
		TimeText:  "2025-07-03 15:00 ~ 2025-07-03 12:00",
		DetailURL: "https://example.com/moonfire",
		EndAt:     at(e.now.Add(48 * time.Hour)),
	}
	res := e.scan(t, faire)
	rep := e.initial(t, res.Notify)
	if rep.Sent != 3 {
		t.Fatalf("initial: %+v", rep)
	}
	e.sender.take()

	if already, err := e.conf.Confirm(ctx, faire.Key, a); err != nil || already {
		t.Fatalf("confirm a: already=%v err=%v", already, err)
	}

	rep = e.remind(t, 72*time.Hour)
	if got := e.sender.take(); rep.Sent != 2 || !sameChats(got, b, c) {
		t.Fatalf("first countdown: %+v sent to %v", rep, chats(got))
	}

	e.now = e.now.Add(24 * time.Hour)
	e.scan(t, faire)
	rep = e.remind(t, 72*time.Hour)
	if got := e.sender.take(); !sameChats(got, b, c) {
		t.Fatalf("second countdown sent to %v", chats(got))
	}

	if already, err := e.conf.Confirm(ctx, faire.Key, a); err != nil || !already {
		t.Fatalf("repeat confirm: already=%v err=%v", already, err)
	}
	for _, id := range []int64{b, c} {
		d, err := e.store.GetDelivery(ctx, faire.Key, id)
		if err != nil {
			t.Fatal(err)
		}
		if d.ReminderCount != 2 || !d.InitialSent() || d.Confirmed() {
			t.Fatalf("delivery %d: %+v", id, d)
		}
	}

	// after the end nothing is eligible
	e.now = e.now.Add(25 * time.Hour)
	rep = e.remind(t, 72*time.Hour)
	if rep.Events != 0 || len(e.sender.take()) != 0 {
		t.Fatalf("post-end countdown: %+v", rep)
	}
}
