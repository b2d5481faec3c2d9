package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskhost/internal/runtime/supervisor"
	"taskhost/internal/task/engine"
)

var (
	// ErrUnknownTask is shared with the task manager so errors.Is matches
	// either side.
	ErrUnknownTask = engine.ErrUnknownTask
	ErrRunning     = errors.New("scheduler already running")
)

const (
	defaultPollInterval = 250 * time.Millisecond

	// EventFired is published for every dispatch attempt.
	EventFired = "schedule.fired"
)

// Dispatcher is the task manager as seen by the scheduler.
type Dispatcher interface {
	Has(name string) bool
	Dispatch(ctx context.Context, name string, params any) error
}

type Config struct {
	PollInterval time.Duration
}

// CronParseError reports an invalid cron spec for a task.
type CronParseError struct {
	Task string
	Spec string
	Err  error
}

func (e *CronParseError) Error() string {
	return fmt.Sprintf("task %q: invalid cron %q: %v", e.Task, e.Spec, e.Err)
}

func (e *CronParseError) Unwrap() error { return e.Err }

type entry struct {
	name  string
	spec  string
	sched cron.Schedule

	pending *trigger

	dispatched uint64
	failed     uint64
	lastFired  time.Time
	lastErr    string
	exhausted  bool

	// lastAt is the latest fire time dispatched; the next is always after it.
	lastAt time.Time
}

// trigger is one armed wait for a fire time. done closes once the goroutine
// finished, whether it dispatched or was canceled.
type trigger struct {
	at     time.Time
	done   chan struct{}
	cancel context.CancelFunc
}

func (t *trigger) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// FiredEvent is the payload of EventFired.
type FiredEvent struct {
	Task  string    `json:"task"`
	Spec  string    `json:"spec"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// EntryInfo is a diagnostic view of one schedule entry.
type EntryInfo struct {
	Task       string    `json:"task"`
	Spec       string    `json:"spec"`
	Next       time.Time `json:"next"`
	Armed      bool      `json:"armed"`
	Dispatched uint64    `json:"dispatched"`
	Failed     uint64    `json:"failed"`
	LastFired  time.Time `json:"last_fired"`
	LastError  string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval"`
	Entries      []EntryInfo   `json:"entries"`

	Goroutines supervisor.Snapshot `json:"goroutines"`
}
