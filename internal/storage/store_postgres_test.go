package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"festbot/internal/festival"
	logx "festbot/pkg/logx"
)

// Set FESTBOT_TEST_POSTGRES_DSN to run these against a real server. Each
// test gets its own schema, dropped on cleanup.
const postgresDSNEnv = "FESTBOT_TEST_POSTGRES_DSN"

func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(postgresDSNEnv))
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()

	admin, err := sqlx.ConnectContext(ctx, DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	schema := fmt.Sprintf("festbot_test_%d", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close()
	})

	scoped, err := withSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	st, err := Open(ctx, Config{Driver: DriverPostgres, DSN: scoped}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// withSearchPath pins dsn to schema. lib/pq passes unknown keys through as
// session parameters, in both URL and key=value form.
func withSearchPath(dsn, schema string) (string, error) {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn + " search_path=" + schema, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func TestWithSearchPath(t *testing.T) {
	t.Parallel()
	got, err := withSearchPath("postgres://u@h/db?sslmode=disable", "s1")
	if err != nil || got != "postgres://u@h/db?search_path=s1&sslmode=disable" {
		t.Fatalf("url form: %q err=%v", got, err)
	}
	if got, _ := withSearchPath("host=h dbname=db", "s1"); got != "host=h dbname=db search_path=s1" {
		t.Fatalf("key=value form: %q", got)
	}
}

func TestPostgres_EventsAndSubscribers(t *testing.T) {
	st := openPostgresStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if st.Driver() != DriverPostgres {
		t.Fatalf("driver=%q", st.Driver())
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	for _, ev := range []festival.Event{
		testEvent("a", "A", ptr(now.Add(48*time.Hour)), now),
		testEvent("b", "B", nil, now),
		testEvent("c", "C", ptr(now.Add(-time.Hour)), now),
	} {
		if ok, err := st.InsertEvent(ctx, ev); err != nil || !ok {
			t.Fatalf("insert %s: ok=%v err=%v", ev.Key, ok, err)
		}
	}
	if ok, err := st.InsertEvent(ctx, testEvent("a", "A", nil, now)); err != nil || ok {
		t.Fatalf("duplicate insert: ok=%v err=%v", ok, err)
	}

	evs, err := st.GetEvents(ctx, []string{"c", "missing", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Key != "c" || evs[1].Key != "a" {
		t.Fatalf("GetEvents: %+v", evs)
	}
	cur, err := st.CurrentEvents(ctx, now)
	if err != nil || len(cur) != 2 {
		t.Fatalf("current=%d err=%v", len(cur), err)
	}
	ending, err := st.EndingBetween(ctx, now, now.Add(72*time.Hour))
	if err != nil || len(ending) != 1 || ending[0].Key != "a" {
		t.Fatalf("ending=%+v err=%v", ending, err)
	}

	n, err := st.DeactivateMissing(ctx, []string{"a", "c"}, now)
	if err != nil || n != 1 {
		t.Fatalf("deactivate: n=%d err=%v", n, err)
	}
	if b, _ := st.GetEvent(ctx, "b"); b.Active || b.RemovedAt == nil {
		t.Fatalf("b should be inactive: %+v", b)
	}
	if _, err := st.GetEvent(ctx, "missing"); !errors.Is(err, festival.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	created, err := st.UpsertSubscriber(ctx, festival.Subscriber{ChatID: 2, Username: "bob", CreatedAt: now})
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	created, err = st.UpsertSubscriber(ctx, festival.Subscriber{ChatID: 2, FirstName: "Bob", CreatedAt: now.Add(time.Hour)})
	if err != nil || created {
		t.Fatalf("re-upsert created=%v err=%v", created, err)
	}
	subs, err := st.ListSubscribers(ctx)
	if err != nil || len(subs) != 1 || !subs[0].CreatedAt.Equal(now) || subs[0].Username != "bob" {
		t.Fatalf("subs=%+v err=%v", subs, err)
	}
}

func TestPostgres_Ledger(t *testing.T) {
	st := openPostgresStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	ttl := time.Minute

	c1 := festival.Claim{EventKey: "e", ChatID: 1, Token: "t1"}
	c2 := festival.Claim{EventKey: "e", ChatID: 1, Token: "t2"}
	if won, err := st.ClaimInitial(ctx, c1, now, ttl); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	if won, err := st.ClaimInitial(ctx, c2, now.Add(time.Second), ttl); err != nil || won {
		t.Fatalf("live claim must block: won=%v err=%v", won, err)
	}
	if err := st.ReleaseClaim(ctx, c1); err != nil {
		t.Fatal(err)
	}
	if d, err := st.GetDelivery(ctx, "e", 1); err != nil || d.InitialSent() {
		t.Fatalf("released row: %+v err=%v", d, err)
	}
	if won, err := st.ClaimInitial(ctx, c2, now.Add(time.Second), ttl); err != nil || !won {
		t.Fatalf("claim after release: won=%v err=%v", won, err)
	}
	if err := st.MarkInitialSent(ctx, c2, now); err != nil {
		t.Fatal(err)
	}
	if won, err := st.ClaimInitial(ctx, c1, now.Add(time.Hour), ttl); err != nil || won {
		t.Fatalf("sent pair must never be claimed: won=%v err=%v", won, err)
	}

	r := festival.Claim{EventKey: "e", ChatID: 1, Token: "r"}
	if won, err := st.ClaimReminder(ctx, r, now.Add(time.Hour), ttl); err != nil || !won {
		t.Fatalf("reminder claim: won=%v err=%v", won, err)
	}
	if err := st.MarkReminderSent(ctx, r, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	updated, err := st.Confirm(ctx, "e", 1, now.Add(2*time.Hour))
	if err != nil || !updated {
		t.Fatalf("confirm: updated=%v err=%v", updated, err)
	}
	if updated, err := st.Confirm(ctx, "e", 1, now.Add(3*time.Hour)); err != nil || updated {
		t.Fatalf("second confirm: updated=%v err=%v", updated, err)
	}
	if won, err := st.ClaimReminder(ctx, r, now.Add(4*time.Hour), ttl); err != nil || won {
		t.Fatalf("confirmed pair must not be reminded: won=%v err=%v", won, err)
	}
	if _, err := st.Confirm(ctx, "other", 1, now); err != nil {
		t.Fatal(err)
	}

	m, err := st.DeliveriesForChat(ctx, 1, []string{"e", "other", "none"})
	if err != nil {
		t.Fatal(err)
	}
	e := m["e"]
	if len(m) != 2 || !e.InitialSent() || e.ReminderCount != 1 || !e.Confirmed() || !m["other"].Confirmed() {
		t.Fatalf("deliveries: %+v", m)
	}
}
