package festival

import "context"

// Kind selects how an event card is presented.
type Kind int

const (
	KindInitial Kind = iota
	KindReminder
	// KindList is a card sent in reply to a list request; it is not recorded
	// in the ledger.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindReminder:
		return "reminder"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Sender delivers one event card to one chat.
type Sender interface {
	SendEvent(ctx context.Context, chatID int64, ev Event, kind Kind) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, ev Event, kind Kind) error

func (f SenderFunc) SendEvent(ctx context.Context, chatID int64, ev Event, kind Kind) error {
	return f(ctx, chatID, ev, kind)
}
