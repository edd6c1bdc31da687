package app

import (
	"context"
	"errors"
	"strings"

	"festbot/internal/bot"
	"festbot/internal/config"
	telegram "festbot/internal/transport/telegram/adapter"
	logx "festbot/pkg/logx"
)

// OneShot is a Core opened for a single CLI subcommand.
type OneShot struct {
	*Core
	Log  logx.Logger
	logs *logx.Service
}

// OpenOneShot builds a Core from cfg. With send set, it also creates the
// Telegram adapter (no polling) as the notice sender; scan and countdown
// need it, the bookkeeping subcommands do not.
func OpenOneShot(ctx context.Context, cfg *config.Config, send bool) (*OneShot, error) {
	logs, log := logx.New(mapLoggingConfig(cfg), nil)
	opt := CoreOptions{}
	if send {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			_ = logs.Close()
			return nil, errors.New("telegram.token is required to send notices (or set FESTBOT_TELEGRAM_TOKEN)")
		}
		tgCfg, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		ad, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		opt.Sender = bot.NewSender(ad, log.With(logx.String("comp", "sender")))
	}
	core, err := NewCore(ctx, cfg, log.With(logx.String("comp", "core")), opt)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &OneShot{Core: core, Log: log, logs: logs}, nil
}

func (o *OneShot) Close() error {
	return errors.Join(o.Core.Close(), o.logs.Close())
}
