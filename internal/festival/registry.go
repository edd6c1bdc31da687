package festival

import (
	"context"
	"fmt"
	"time"
)

// Registry is the Subscriber Registry.
type Registry struct {
	store SubscriberStore
	now   Clock
}

func NewRegistry(store SubscriberStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(clock Clock) { r.now = clock }

// Subscribe registers s.ChatID. Re-subscribing keeps the original creation
// time and only refreshes non-empty profile fields.
func (r *Registry) Subscribe(ctx context.Context, s Subscriber) (bool, error) {
	if s.ChatID == 0 {
		return false, fmt.Errorf("subscribe: chat id required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	created, err := r.store.UpsertSubscriber(ctx, s)
	if err != nil {
		return false, fmt.Errorf("subscribe %d: %w", s.ChatID, err)
	}
	return created, nil
}

// List returns subscribers in creation order.
func (r *Registry) List(ctx context.Context) ([]Subscriber, error) {
	subs, err := r.store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}
