package natives

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskhost/internal/scope"
	"taskhost/pkg/logx"
)

// Log writes {level, message, fields} to the host log with comp=script.
func Log(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	log, err := scope.Get[logx.Logger](sc)
	if err != nil {
		return nil, err
	}
	msg, err := a.requireStr("message")
	if err != nil {
		return nil, err
	}
	lvlName, err := a.str("level")
	if err != nil {
		return nil, err
	}
	extra, err := a.object("fields")
	if err != nil {
		return nil, err
	}

	log.Log(logx.ParseLevel(lvlName, logx.LevelInfo), msg, logx.Map(extra)...)
	return true, nil
}

// Now returns the current UTC time.
func Now(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"unix":    now.Unix(),
		"unix_ms": now.UnixMilli(),
		"iso":     now.Format(time.RFC3339Nano),
	}, nil
}

// UUID returns a random (v4) UUID string.
func UUID(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	return uuid.NewString(), nil
}
