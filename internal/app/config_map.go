package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"festbot/internal/config"
	"festbot/internal/notifier"
	"festbot/internal/ops"
	"festbot/internal/scheduler"
	"festbot/internal/source"
	"festbot/internal/storage"
	telegram "festbot/internal/transport/telegram/adapter"
	logx "festbot/pkg/logx"
)

const (
	defaultSQLitePath   = "./data/festbot.db"
	defaultScanSpec     = "0 */2 * * *"
	defaultCountdown    = "09:00"
	defaultScanTimeout  = 15 * time.Minute
	defaultCycleTimeout = 15 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	// Validate already rejected a non-numeric group_log.
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		lc.Telegram.ChatID, _ = strconv.ParseInt(g, 10, 64)
	}
	return lc
}

// mapStorageConfig resolves storage; storage.url wins over the other fields.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if u := strings.TrimSpace(sc.URL); u != "" {
		out, err := storage.ParseDatabaseURL(u)
		if err != nil {
			return storage.Config{}, fmt.Errorf("storage.url: %w", err)
		}
		out.BusyTimeout = busy
		return out, nil
	}
	out := storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}
	if out.DSN == "" && out.Path == "" {
		out.Path = defaultSQLitePath
	}
	return out, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	sc := cfg.Source
	timeout, err := config.ParseDurationField("source.timeout", sc.Timeout)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		APIURL:   sc.APIURL,
		PageURL:  sc.PageURL,
		GameCode: sc.GameCode,
		Category: sc.Category,
		PageSize: sc.PageSize,
		Timeout:  timeout,
		Timezone: sc.Timezone,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	dc := cfg.Delivery
	out := notifier.Config{RatePerSec: dc.RatePerSec, RetryMax: dc.RetryMax}
	var err error
	if out.SendTimeout, err = config.ParseDurationField("delivery.send_timeout", dc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.ClaimTTL, err = config.ParseDurationField("delivery.claim_ttl", dc.ClaimTTL); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("delivery.retry_base", dc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("delivery.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Schedule.Enabled, Timezone: cfg.Schedule.Timezone}
}

// scheduleSpecs returns the scan and countdown specs with defaults.
// scheduleOff disables one job while keeping the other scheduled.
const scheduleOff = "off"

func isScheduleOff(spec string) bool { return strings.EqualFold(spec, scheduleOff) }

func scheduleSpecs(cfg *config.Config) (scan, countdown string) {
	scan = strings.TrimSpace(cfg.Schedule.Scan)
	if scan == "" {
		scan = defaultScanSpec
	}
	countdown = strings.TrimSpace(cfg.Schedule.Countdown)
	if countdown == "" {
		countdown = defaultCountdown
	}
	return scan, countdown
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 oc.Addr,
		Token:                oc.Token,
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		ReadTimeout:          read,
		IdleTimeout:          idle,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}

// validateRuntime checks what Validate cannot: schedule strings and the
// storage URL. It runs on load and before every hot reload.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := cfg.Delivery.Within(); err != nil {
		return err
	}
	scan, countdown := scheduleSpecs(cfg)
	if err := validateSpec(scan); err != nil {
		return fmt.Errorf("schedule.scan: %w", err)
	}
	if err := validateSpec(countdown); err != nil {
		return fmt.Errorf("schedule.countdown: %w", err)
	}
	return nil
}

func validateSpec(spec string) error {
	if isScheduleOff(spec) {
		return nil
	}
	return scheduler.ValidateSchedule(spec)
}
