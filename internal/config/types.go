package config

// Config is the festbot file format (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "72h"); empty means the
// component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Delivery DeliveryConfig `json:"delivery"`
	Schedule ScheduleConfig `json:"schedule"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may run operator commands (/scan, /countdown) from chat.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives operator log lines.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/festbot.db" }
//
// URL, when set, wins over the other fields ("postgres://..." or
// "sqlite:///path").
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`
	URL         string `json:"url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	APIURL   string `json:"api_url,omitempty"`
	PageURL  string `json:"page_url,omitempty"`
	GameCode string `json:"game_code,omitempty"`
	Category int    `json:"category,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DeliveryConfig controls notice fan-out.
//
// Defaults: rate_per_sec 20, send_timeout 10s, claim_ttl 2m, retry_max 0,
// retry_base 500ms, retry_max_delay 10s, countdown_within 72h.
type DeliveryConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	ClaimTTL        string `json:"claim_ttl,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	CountdownWithin string `json:"countdown_within,omitempty"`
}

// ScheduleConfig drives the in-process triggers of `festbot serve`.
//
// Scan and Countdown accept cron expressions ("0 */2 * * *"), descriptors
// ("@hourly"), durations ("30m"), daily times ("09:00") or the explicit
// "cron:", "every:" prefixes.
type ScheduleConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	Scan       string `json:"scan,omitempty"`
	Countdown  string `json:"countdown,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics and
// optionally /debug/pprof).
//
// Prefer a loopback Addr. A non-loopback Addr needs Token or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
