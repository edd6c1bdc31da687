package bot

import (
	"context"
	"fmt"
	"strings"

	"festbot/internal/festival"
	"festbot/internal/notifier"
	kit "festbot/internal/transport"
	"festbot/internal/transport/telegram/adapter"
	logx "festbot/pkg/logx"
)

// Sender delivers event cards over a chat adapter.
type Sender struct {
	ad  kit.Adapter
	log logx.Logger
	// unreachable classifies errors that retrying cannot fix.
	unreachable func(error) bool
}

var _ festival.Sender = (*Sender)(nil)

func NewSender(ad kit.Adapter, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{ad: ad, log: log, unreachable: adapter.Unreachable}
}

// SendEvent sends a card with the confirm button.
func (s *Sender) SendEvent(ctx context.Context, chatID int64, ev festival.Event, kind festival.Kind) error {
	return s.SendCard(ctx, chatID, ev, kind, false)
}

// SendCard sends ev as a photo with caption when it has an image, else as
// text. The confirm button is omitted when confirmed is true.
func (s *Sender) SendCard(ctx context.Context, chatID int64, ev festival.Event, kind festival.Kind, confirmed bool) error {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if rm := Markup(ev.Key, confirmed); rm != nil {
		opt.ReplyMarkupAdapter = rm
	} else if !confirmed {
		s.log.Warn("event key too long for a confirm button", logx.String("event", ev.Key))
	}

	to := kit.ChatTarget{ChatID: chatID}
	text := Render(ev, kind)
	var err error
	if img := strings.TrimSpace(ev.ImageURL); img != "" {
		_, err = s.ad.SendPhoto(ctx, to, img, text, opt)
	} else {
		_, err = s.ad.SendText(ctx, to, text, opt)
	}
	if err == nil {
		return nil
	}
	err = fmt.Errorf("send %s %s to %d: %w", kind, ev.Key, chatID, err)
	if s.unreachable(err) {
		return notifier.Permanent(err)
	}
	return err
}
