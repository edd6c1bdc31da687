package config

import "strings"

// Environment overrides. The unprefixed names are accepted for deployments
// that already export them.
var (
	tokenEnv = []string{"FESTBOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"}
	dbEnv    = []string{"FESTBOT_DATABASE_URL", "DATABASE_URL"}
)

// ApplyEnv overlays secrets and the database location from the environment.
// getenv is os.Getenv outside tests.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := firstEnv(getenv, tokenEnv); v != "" {
		cfg.Telegram.Token = v
	}
	if v := firstEnv(getenv, dbEnv); v != "" {
		cfg.Storage.URL = v
	}
}

func firstEnv(getenv func(string) string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
