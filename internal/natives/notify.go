package natives

import (
	"context"

	"taskhost/internal/scope"
	"taskhost/internal/transport"
)

// Notify sends {text, chat_id, thread_id, parse_mode, silent} and returns {sent}.
func Notify(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	nt, err := scope.Get[transport.Notifier](sc)
	if err != nil {
		return nil, err
	}

	var n transport.Notification
	if n.Text, err = a.requireStr("text"); err != nil {
		return nil, err
	}
	chatID, _, err := a.integer("chat_id")
	if err != nil {
		return nil, err
	}
	threadID, _, err := a.integer("thread_id")
	if err != nil {
		return nil, err
	}
	n.Target = transport.ChatTarget{ChatID: chatID, ThreadID: int(threadID)}
	if n.Options.ParseMode, err = a.str("parse_mode"); err != nil {
		return nil, err
	}
	if n.Options.Silent, err = a.boolean("silent"); err != nil {
		return nil, err
	}

	refs, err := nt.Notify(ctx, n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": len(refs), "messages": refs}, nil
}
