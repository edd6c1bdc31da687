// Package scheduler fires the periodic scan and countdown cycles of
// `festbot serve`.
//
// It wraps robfig/cron with schedule-string parsing, a per-schedule
// skip-if-running guard, startup spread for interval schedules, hot timezone
// changes and a "schedule.run" event per trigger.
package scheduler
