package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate rejects values that would only fail later at runtime. The bot
// token is not checked here: offline subcommands run without one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: %q is not a chat id", g))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("source.timeout", cfg.Source.Timeout)
	if tz := strings.TrimSpace(cfg.Source.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("source.timezone: %w", err))
		}
	}
	if cfg.Source.PageSize < 0 {
		add(errors.New("source.page_size must be >= 0"))
	}

	if cfg.Delivery.RatePerSec < 0 {
		add(errors.New("delivery.rate_per_sec must be >= 0"))
	}
	if cfg.Delivery.RetryMax < 0 {
		add(errors.New("delivery.retry_max must be >= 0"))
	}
	dur("delivery.send_timeout", cfg.Delivery.SendTimeout)
	dur("delivery.claim_ttl", cfg.Delivery.ClaimTTL)
	dur("delivery.retry_base", cfg.Delivery.RetryBase)
	dur("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	dur("delivery.countdown_within", cfg.Delivery.CountdownWithin)

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: %w", err))
		}
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}
