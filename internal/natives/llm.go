package natives

import (
	"context"
	"encoding/json"
	"errors"

	"taskhost/internal/aiworker"
	"taskhost/internal/scope"
)

var (
	errNoMessages  = errors.New("Message parameter not found")
	errBadMessages = errors.New("Messages were not in correct format.")
)

func messagesArg(a args) ([]aiworker.Message, error) {
	raw, ok := a["messages"]
	if !ok || raw == nil {
		return nil, errNoMessages
	}
	var msgs []aiworker.Message
	if err := remarshal(raw, &msgs); err != nil || aiworker.ValidateMessages(msgs) != nil {
		return nil, errBadMessages
	}
	return msgs, nil
}

// remarshal decodes a JSON-shaped value into out.
func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// LLMEval runs {messages=[{role, content}]} through the AI worker and returns
// the assistant message.
func LLMEval(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	msgs, err := messagesArg(a)
	if err != nil {
		return nil, err
	}
	w, err := scope.Get[aiworker.Worker](sc)
	if err != nil {
		return nil, err
	}
	return w.Eval(ctx, msgs)
}

// LLMFunctionCall asks the model to pick one of {functions} for {messages}.
// It returns {name, arguments, raw}; {attempts} bounds the retries.
func LLMFunctionCall(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	msgs, err := messagesArg(a)
	if err != nil {
		return nil, err
	}
	var fns []aiworker.Function
	if raw, ok := a["functions"]; !ok || raw == nil {
		return nil, errors.New("functions parameter not found")
	} else if err := remarshal(raw, &fns); err != nil || len(fns) == 0 {
		return nil, errors.New("functions were not in correct format")
	}
	attempts, _, err := a.integer("attempts")
	if err != nil {
		return nil, err
	}

	w, err := scope.Get[aiworker.Worker](sc)
	if err != nil {
		return nil, err
	}
	return aiworker.CallFunction(ctx, w, msgs, fns, int(attempts))
}
