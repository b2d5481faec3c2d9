package host

import (
	"taskhost/internal/runtime/supervisor"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/scheduler"
)

// Status is the document served at the admin /status endpoint.
type Status struct {
	Tasks     []string           `json:"tasks"`
	Natives   []string           `json:"natives"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Engine    engine.Snapshot    `json:"engine"`
	Events    EventStats         `json:"events"`
	// Admin and Config hold goroutine stats of the admin listener and config watcher.
	Admin  supervisor.Snapshot `json:"admin"`
	Config supervisor.Snapshot `json:"config"`
	Fatal  string              `json:"fatal,omitempty"`
}

type EventStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (h *Host) Status() Status {
	st := Status{
		Tasks:     h.manager.Tasks(),
		Natives:   h.manager.Natives(),
		Scheduler: h.sched.Snapshot(),
		Engine:    h.engine.Snapshot(),
		Admin:     h.admin.Goroutines(),
		Config:    h.cfgm.Goroutines(),
	}
	st.Events.Published, st.Events.Dropped = h.bus.Stats()
	if err := h.Err(); err != nil {
		st.Fatal = err.Error()
	}
	return st
}
