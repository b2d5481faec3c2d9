// Package scheduler turns (task, cron) entries into dispatches.
//
// The scheduler only triggers; execution belongs to the task manager and engine.
// It is responsible for:
//   - parsing 6-field cron specs (seconds first) and descriptors
//   - computing the next fire time in UTC on every poll
//   - keeping at most one outstanding trigger per entry
package scheduler
