package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskhost/internal/runtime/supervisor"
)

// Config controls the task execution engine.
//
// The scheduler only triggers; queueing, timeouts and overlap live here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	Overlap     OverlapPolicy
}

const (
	defaultWorkers     = 1
	defaultQueueSize   = 64
	defaultHistorySize = 100
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.Overlap != OverlapQueue && c.Overlap != OverlapSkip {
		c.Overlap = OverlapQueue
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapQueue runs every dispatch in order.
	OverlapQueue OverlapPolicy = iota
	// OverlapSkip drops a dispatch while the same task is queued or running.
	OverlapSkip
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkip {
		return "skip"
	}
	return "queue"
}

func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return OverlapQueue, nil
	case "skip":
		return OverlapSkip, nil
	default:
		return OverlapQueue, fmt.Errorf("unknown overlap policy %q (want queue|skip)", s)
	}
}

// runState counts queued plus running executions of one task name.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Event types published by the engine.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventDropped  = "task.dropped"
	EventSkipped  = "task.skipped"
)

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Overlap  string        `json:"overlap"`
	Timeout  time.Duration `json:"default_timeout"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Skipped          uint64 `json:"skipped"`

	History    []HistoryItem       `json:"history"`
	Goroutines supervisor.Snapshot `json:"goroutines"`
}
