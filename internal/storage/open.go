package storage

import (
	"fmt"
	"strings"

	"taskhost/pkg/logx"
)

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) for "" and "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}
