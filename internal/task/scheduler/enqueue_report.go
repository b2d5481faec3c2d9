package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"taskhost/internal/task/engine"
	"taskhost/pkg/logx"
)

const dispatchWarnEvery = 5 * time.Second

// reportDispatchError warns about a failed dispatch at most once per
// dispatchWarnEvery for each task.
func (s *Service) reportDispatchError(task string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped, task still running", logx.String("task", task))
		return
	}

	s.warnMu.Lock()
	if s.warnings == nil {
		s.warnings = map[string]*rate.Sometimes{}
	}
	w, ok := s.warnings[task]
	if !ok {
		w = &rate.Sometimes{Interval: dispatchWarnEvery}
		s.warnings[task] = w
	}
	s.warnMu.Unlock()

	w.Do(func() {
		s.log.Warn("dispatch failed", logx.String("task", task), logx.Err(err))
	})
}
