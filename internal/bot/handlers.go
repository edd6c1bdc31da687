package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"festbot/internal/festival"
	"festbot/internal/notifier"
	"festbot/internal/transport/telegram/router"
	logx "festbot/pkg/logx"
)

const (
	msgSubscribed = "已订阅活动推送，使用 /list 查看当前活动。"
	msgNoEvents   = "当前没有正在进行或即将到来的活动。"
	msgConfirmed  = "已确认"
	msgFailed     = "操作失败，请稍后再试。"
)

// Operator runs notification cycles on demand for owner commands.
type Operator interface {
	Scan(ctx context.Context) (festival.Result, notifier.Report, error)
	Countdown(ctx context.Context, within time.Duration) (notifier.Report, error)
}

type Deps struct {
	Store     festival.Store
	Registry  *festival.Registry
	Confirmer *festival.Confirmer
	Sender    *Sender
	// Operator enables /scan and /countdown; nil leaves them out.
	Operator Operator
	// Within returns the default countdown window.
	Within func() time.Duration
	Log    logx.Logger
}

// Handlers implements the chat commands and the confirm button.
type Handlers struct {
	d   Deps
	now festival.Clock
}

func NewHandlers(d Deps) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Handlers{d: d, now: time.Now}
}

// SetClock overrides the time source.
func (h *Handlers) SetClock(c festival.Clock) { h.now = c }

func (h *Handlers) Commands() []router.Command {
	cmds := []router.Command{
		{
			Route:       "start",
			Aliases:     []string{"subscribe"},
			Description: "订阅活动推送",
			Timeout:     15 * time.Second,
			Handle:      h.start,
		},
		{
			Route:       "list",
			Description: "查看当前活动",
			Timeout:     2 * time.Minute,
			Handle:      h.list,
		},
	}
	if h.d.Operator != nil {
		cmds = append(cmds,
			router.Command{
				Route:       "scan",
				Description: "立即抓取并推送新活动",
				Access:      router.AccessOwnerOnly,
				Timeout:     10 * time.Minute,
				Handle:      h.scan,
			},
			router.Command{
				Route:       "countdown",
				Description: "立即发送即将结束活动的提醒",
				Usage:       "/countdown [--within 72h | --days 3]",
				Access:      router.AccessOwnerOnly,
				Timeout:     10 * time.Minute,
				Handle:      h.countdown,
			},
		)
	}
	return cmds
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{{
		Plugin:      callbackPlugin,
		Action:      actionConfirm,
		Description: "确认活动",
		Access:      router.CallbackAccessEveryone,
		Timeout:     15 * time.Second,
		Handle:      h.confirm,
	}}
}

func (h *Handlers) subscribe(ctx context.Context, req *router.Request) error {
	_, err := h.d.Registry.Subscribe(ctx, festival.Subscriber{
		ChatID:    req.Chat.ChatID,
		Username:  req.From.Username,
		FirstName: req.From.FirstName,
		LastName:  req.From.LastName,
	})
	return err
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	if err := h.subscribe(ctx, req); err != nil {
		_ = req.Reply(ctx, msgFailed, nil)
		return err
	}
	return req.Reply(ctx, msgSubscribed, nil)
}

// list registers the chat, then sends every current event as a card.
func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	if err := h.subscribe(ctx, req); err != nil {
		_ = req.Reply(ctx, msgFailed, nil)
		return err
	}
	events, err := h.d.Store.CurrentEvents(ctx, h.now())
	if err != nil {
		_ = req.Reply(ctx, msgFailed, nil)
		return fmt.Errorf("list: %w", err)
	}
	if len(events) == 0 {
		return req.Reply(ctx, msgNoEvents, nil)
	}

	keys := make([]string, len(events))
	for i, ev := range events {
		keys[i] = ev.Key
	}
	rows, err := h.d.Store.DeliveriesForChat(ctx, req.Chat.ChatID, keys)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	var errs []error
	for _, ev := range events {
		if err := h.d.Sender.SendCard(ctx, req.Chat.ChatID, ev, festival.KindList, rows[ev.Key].Confirmed()); err != nil {
			errs = append(errs, err)
			if notifier.IsPermanent(err) || ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) confirm(ctx context.Context, req *router.Request, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	already, err := h.d.Confirmer.Confirm(ctx, key, req.Chat.ChatID)
	if err != nil {
		req.SetAnswer(msgFailed)
		return err
	}
	req.SetAnswer(msgConfirmed)
	if err := req.Adapter.ClearMarkup(ctx, req.MessageRef()); err != nil {
		// The confirmation is stored; a stale button only re-confirms.
		req.Logger.Debug("clear markup failed", logx.Err(err), logx.Bool("already", already))
	}
	return nil
}

func (h *Handlers) scan(ctx context.Context, req *router.Request) error {
	return h.progress(ctx, req, "正在抓取活动…", func() (string, error) {
		res, rep, err := h.d.Operator.Scan(ctx)
		if err != nil {
			return "扫描失败：" + err.Error(), err
		}
		return fmt.Sprintf("扫描完成：新增 %d，更新 %d，下线 %d\n%s",
			len(res.New), len(res.Changed), res.Deactivated, formatReport(rep)), nil
	})
}

func (h *Handlers) countdown(ctx context.Context, req *router.Request) error {
	within, err := parseWithin(req, h.defaultWithin())
	if err != nil {
		return req.Reply(ctx, err.Error(), nil)
	}
	return h.progress(ctx, req, "正在发送提醒…", func() (string, error) {
		rep, err := h.d.Operator.Countdown(ctx, within)
		if err != nil {
			return "提醒失败：" + err.Error(), err
		}
		return fmt.Sprintf("提醒完成（%s 内结束）\n%s", within, formatReport(rep)), nil
	})
}

// progress posts pending, runs fn and edits the pending message into fn's
// summary. A new reply is sent when the edit is not possible.
func (h *Handlers) progress(ctx context.Context, req *router.Request, pending string, fn func() (string, error)) error {
	ref, sendErr := req.Adapter.SendText(ctx, req.Chat, pending, nil)
	text, runErr := fn()
	if sendErr == nil && ref.MessageID != 0 {
		editErr := req.Adapter.EditText(ctx, ref, text, nil)
		if editErr == nil {
			return runErr
		}
		req.Logger.Debug("edit progress failed", logx.Err(editErr))
	}
	if err := req.Reply(ctx, text, nil); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func (h *Handlers) defaultWithin() time.Duration {
	if h.d.Within != nil {
		return h.d.Within()
	}
	return 72 * time.Hour
}

// parseWithin reads --within (a duration), --days, or a positional duration.
func parseWithin(req *router.Request, def time.Duration) (time.Duration, error) {
	raw := req.Flags["within"]
	if raw == "" && len(req.Args) > 0 {
		raw = req.Args[0]
	}
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("无效的时间窗口：%s", raw)
		}
		return d, nil
	}
	if days := req.Flags["days"]; days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("无效的天数：%s", days)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return def, nil
}

func formatReport(r notifier.Report) string {
	return fmt.Sprintf("活动 %d，发送 %d，跳过 %d，失败 %d", r.Events, r.Sent, r.Skipped, len(r.Failed))
}
