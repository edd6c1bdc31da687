package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"festbot/internal/eventbus"
	logx "festbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"
}

// TopicRun is published after every trigger, including skipped ones.
const TopicRun = "schedule.run"

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrRunning is returned when a trigger fires while the previous run of
	// the same schedule is still in flight.
	ErrRunning = errors.New("schedule already running")
)

// RunEvent is the event bus payload for one trigger.
type RunEvent struct {
	Name    string        `json:"name"`
	Trigger string        `json:"trigger"` // "cron" | "manual" | "start"
	Started time.Time     `json:"started"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type runState struct {
	running atomic.Bool

	mu      sync.Mutex
	runs    uint64
	skipped uint64
	lastAt  time.Time
	lastErr string
}

type scheduleDef struct {
	name          string
	spec          string // normalised cron spec or "@every <d>"
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// base is the context handed to Start; jobs derive from runCtx.
	base      context.Context
	runCtx    context.Context
	runCancel context.CancelFunc
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
