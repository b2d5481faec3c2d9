// Package transport defines outbound chat delivery as seen by the host.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNoTarget = errors.New("notification has no chat target")
	ErrDisabled = errors.New("no notification transport configured")
)

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"` // forum topic, 0 if none
}

type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

type SendOptions struct {
	ParseMode      string // "", "HTML", "MarkdownV2"
	DisablePreview bool
	Silent         bool
}

type Notification struct {
	Target  ChatTarget
	Text    string
	Options SendOptions
}

// Notifier delivers a notification. A zero Target means the notifier's default
// chat. Long text may be split; the returned refs list every message sent.
type Notifier interface {
	Notify(ctx context.Context, n Notification) ([]MessageRef, error)
}

// Disabled stands in when no chat transport is configured.
type Disabled struct{}

func (Disabled) Notify(context.Context, Notification) ([]MessageRef, error) { return nil, ErrDisabled }
