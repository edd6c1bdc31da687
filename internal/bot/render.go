package bot

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	"festbot/internal/festival"
	"festbot/pkg/tgui"
)

const (
	callbackPlugin = "fest"
	actionConfirm  = "confirm"

	confirmLabel = "Done! ⭐"

	// Photo captions are capped at 1024 characters; these keep a card
	// with a detail link under it.
	maxTitleRunes = 200
	maxInfoRunes  = 400
)

// prefix returns the card header tag for kind. List cards share the
// initial tag.
func prefix(kind festival.Kind) string {
	if kind == festival.KindReminder {
		return "【活动提醒】"
	}
	return "【新活动】"
}

// Render builds the HTML card for ev. The time line is labelled 活动时间
// only when a time range was actually parsed.
func Render(ev festival.Event, kind festival.Kind) string {
	parts := []tgui.H{tgui.Esc(prefix(kind)) + tgui.B(tgui.TruncRunes(ev.Title, maxTitleRunes))}
	if t := tgui.TruncRunes(strings.TrimSpace(ev.TimeText), maxInfoRunes); t != "" {
		label := "活动信息"
		if ev.HasTime() {
			label = "活动时间"
		}
		parts = append(parts, tgui.Esc(label+"："+t))
	}
	if u := strings.TrimSpace(ev.DetailURL); u != "" {
		parts = append(parts, tgui.Esc("详情："+u))
	}
	return tgui.JoinH("\n", parts...).String()
}

// ConfirmData is the callback data of the confirm button for key.
func ConfirmData(key string) (string, error) {
	return tgui.CheckedData(callbackPlugin, actionConfirm, key)
}

// Markup returns the confirm keyboard, or nil when the pair is already
// confirmed or the key does not fit in callback data.
func Markup(key string, confirmed bool) *tele.ReplyMarkup {
	if confirmed {
		return nil
	}
	data, err := ConfirmData(key)
	if err != nil {
		return nil
	}
	return tgui.NewInline().Row(tgui.Btn(confirmLabel, data)).Markup()
}
