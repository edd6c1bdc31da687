package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"festbot/internal/eventbus"
	logx "festbot/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		now: time.Now,
		parser: newParser(),
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers or replaces the schedule called name. See ParseSchedule for
// the accepted formats. Triggers of the same schedule never overlap.
func (s *Service) Add(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &runState{}
	// Upsert by name; a replaced schedule keeps its run guard.
	for i := range s.defs {
		if s.defs[i].name == name {
			st = s.defs[i].state
			if s.c != nil && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
			}
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			break
		}
	}
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, state: st})
	d := &s.defs[len(s.defs)-1]
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	s.logRegisteredLocked(d)
	return nil
}

// Remove drops the schedule called name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering when the service is enabled. Running jobs are
// cancelled when ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled", logx.Int("schedules", len(s.defs)))
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.c != nil || s.base == nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.runCtx, s.runCancel = context.WithCancel(s.base)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
			continue
		}
		s.logRegisteredLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.stopLocked()
	s.mu.Unlock()
	waitStopped(ctx, c, cancel)
	if c != nil {
		s.log.Info("scheduler stopped")
	}
}

func (s *Service) stopLocked() (*cron.Cron, context.CancelFunc) {
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	return c, cancel
}

func waitStopped(ctx context.Context, c *cron.Cron, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply updates the config. A timezone change restarts triggering; the
// enabled flag starts or stops it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	var (
		c      *cron.Cron
		cancel context.CancelFunc
	)
	switch {
	case !cfg.Enabled:
		c, cancel = s.stopLocked()
	case s.c == nil:
		s.startLocked()
	case strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		c, cancel = s.stopLocked()
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	waitStopped(ctx, c, cancel)
	if cfg.Enabled {
		s.mu.Lock()
		s.startLocked()
		s.mu.Unlock()
		return
	}
	s.log.Info("scheduler stopped by config")
}

// RunNow runs the named schedule in the caller's goroutine. It returns
// ErrRunning when a previous trigger is still in flight.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			cp := s.defs[i]
			d = &cp
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, d, "manual")
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_ = s.run(ctx, &def, "cron")
	})

	// Interval schedules get a startup spread so restarts do not fire
	// everything at once.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := intervalScheduleWithSpread(dur, s.now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) run(ctx context.Context, d *scheduleDef, trigger string) error {
	st := d.state
	started := s.now()
	if !st.running.CompareAndSwap(false, true) {
		st.mu.Lock()
		st.skipped++
		st.mu.Unlock()
		s.log.Warn("schedule skipped, previous run still active", logx.String("name", d.name), logx.String("trigger", trigger))
		s.publish(RunEvent{Name: d.name, Trigger: trigger, Started: started, Skipped: true})
		return ErrRunning
	}
	defer st.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	s.log.Debug("schedule run", logx.String("name", d.name), logx.String("trigger", trigger))
	err := d.job(ctx)
	took := s.now().Sub(started)

	ev := RunEvent{Name: d.name, Trigger: trigger, Started: started, Took: took}
	st.mu.Lock()
	st.runs++
	st.lastAt = started
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
		ev.Error = err.Error()
	}
	st.mu.Unlock()

	if err != nil {
		s.log.Error("schedule failed", logx.String("name", d.name), logx.String("trigger", trigger), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Info("schedule done", logx.String("name", d.name), logx.String("trigger", trigger), logx.Duration("took", took))
	}
	s.publish(ev)
	return err
}

func (s *Service) publish(ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: TopicRun, Time: ev.Started, Data: ev})
}

func (s *Service) logRegisteredLocked(d *scheduleDef) {
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if d.startupSpread > 0 {
		args = append(args, logx.Duration("startup_spread", d.startupSpread))
	}
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := s.now().In(loc)
	out := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(out, ", ")
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
