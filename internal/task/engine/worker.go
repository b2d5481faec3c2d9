package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskhost/pkg/logx"
)

const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool) {
	for {
		// Quit takes priority over anything still queued.
		if p.quitting() || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qt := <-p.queue:
			s.inFlight.Add(1)
			s.runOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) runOne(ctx context.Context, qt queuedTask) {
	defer qt.release()

	start := time.Now()
	waited := max(start.Sub(qt.queued), 0)
	if limit := s.Config().MaxQueueDelay; limit > 0 && waited > limit {
		s.dropLate(qt, waited)
		return
	}

	t := qt.task
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: waited}
	s.emit(EventStarted, ev)

	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	err := s.call(ctx, t)

	ev.Duration = time.Since(start)
	item := HistoryItem(ev)
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
	}
	s.remember(item)

	fields := []logx.Field{logx.String("task", t.Name), logx.Duration("queue_delay", waited), logx.Duration("dur", ev.Duration)}
	switch {
	case err != nil:
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.emit(EventFailed, ev)
	case ev.Duration >= slowTask:
		s.log.Info("task finished", fields...)
		s.emit(EventFinished, ev)
	default:
		s.log.Debug("task finished", fields...)
		s.emit(EventFinished, ev)
	}
}

// call runs t, turning a panic into an error.
func (s *Service) call(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
