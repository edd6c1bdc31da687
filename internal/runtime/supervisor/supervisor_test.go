package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGo_CancelOnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))

	s.Go("poll", func(context.Context) error { return errors.New("boom") })
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	if err == nil || err.Error() != "poll: boom" {
		t.Fatalf("err=%v", err)
	}
	if c := s.Counters(); c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("bad", func(context.Context) { panic("oops") })

	if err := s.Stop(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "panic in bad: oops") {
		t.Fatalf("err=%v", err)
	}
}

func TestGo_CanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestGoRestart_RestartsUntilClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())

	var runs atomic.Int32
	s.GoRestart("serve", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("bind failed")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if runs.Load() != 3 {
		t.Fatalf("runs=%d", runs.Load())
	}
	if err == nil || err.Error() != "serve: bind failed" {
		t.Fatalf("err=%v", err)
	}
}

func TestGoRestart_StopsOnCancel(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())

	var runs atomic.Int32
	s.GoRestart("watch", func(context.Context) error {
		runs.Add(1)
		panic("again")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("runs=%d", runs.Load())
	}
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestWait_HonorsContext(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	close(release)
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	var nilReg *Registry
	nilReg.Set("x", nil)
	if nilReg.Snapshot() != nil {
		t.Fatal("nil registry snapshot should be nil")
	}

	r := NewRegistry()
	a := NewSupervisor(context.Background())
	r.Set("adapter", a)
	r.Set("ops", NewSupervisor(context.Background()))
	r.Delete("ops")

	snap := r.Snapshot()
	if len(snap) != 1 || snap["adapter"] != a {
		t.Fatalf("snapshot=%v", snap)
	}
	snap["other"] = a
	if len(r.Snapshot()) != 1 {
		t.Fatal("snapshot must be a copy")
	}
}
