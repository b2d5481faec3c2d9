// Package aiworker is the inference capability scripts reach through llm_eval
// and llm_function_call.
package aiworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDisabled      = errors.New("ai worker disabled")
	ErrEmptyMessages = errors.New("no messages")
)

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewMessage(role, content string) Message { return Message{Role: role, Content: content} }

// Worker turns a conversation into the assistant's next message.
type Worker interface {
	Eval(ctx context.Context, messages []Message) (Message, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, messages []Message) (Message, error)

func (f WorkerFunc) Eval(ctx context.Context, messages []Message) (Message, error) {
	return f(ctx, messages)
}

// Disabled answers every call with ErrDisabled.
type Disabled struct{}

func (Disabled) Eval(context.Context, []Message) (Message, error) { return Message{}, ErrDisabled }

// ValidateMessages rejects empty conversations and unknown roles.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return ErrEmptyMessages
	}
	for i, m := range messages {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system", "user", "assistant", "model":
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}
