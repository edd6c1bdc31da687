package eventbus

import (
	"testing"
	"time"
)

func TestMem_FanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "delivery.sent"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "delivery.sent" || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestMem_FullBufferDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
}

func TestMem_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}

func TestHasPrefix(t *testing.T) {
	t.Parallel()
	e := Event{Type: "delivery.failed"}
	if !HasPrefix(e) || !HasPrefix(e, "cycle.", "delivery.") || HasPrefix(e, "cycle.") {
		t.Fatal("prefix matching is wrong")
	}
}
