package aiworker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{"bare", `{"name":"noop","arguments":{}}`, `{"name":"noop","arguments":{}}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose", `Sure! {"a":{"b":"}"}} hope that helps`, `{"a":{"b":"}"}}`, false},
		{"skips invalid", `{oops} then {"a":2}`, `{"a":2}`, false},
		{"none", "no json here", "", true},
		{"unbalanced", `{"a":1`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q err=%v want %q", got, err, tc.want)
			}
		})
	}
}

func TestCallFunctionRetriesOnBadOutput(t *testing.T) {
	var seen [][]Message
	replies := []string{
		"I think you want the weather.",
		`{"name": "get_weather", "arguments": {"location": "Ruston, Louisiana"}}`,
	}
	w := WorkerFunc(func(_ context.Context, msgs []Message) (Message, error) {
		seen = append(seen, append([]Message(nil), msgs...))
		return NewMessage("assistant", replies[len(seen)-1]), nil
	})

	fns := []Function{
		{Name: "noop", Description: "Nothing to do."},
		{Name: "get_weather", Description: "Weather for a location.", Parameters: map[string]any{"location": map[string]any{"type": "string"}}},
	}
	call, err := CallFunction(context.Background(), w, []Message{NewMessage("user", "weather in Ruston?")}, fns, 3)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"location": "Ruston, Louisiana"}, call.Arguments); diff != "" || call.Name != "get_weather" {
		t.Fatalf("call=%+v diff=%s", call, diff)
	}
	if len(seen) != 2 {
		t.Fatalf("evals=%d want 2", len(seen))
	}
	last := seen[1][len(seen[1])-1]
	if last.Role != "system" || !strings.HasPrefix(last.Content, "Error Parsing JSON:") {
		t.Fatalf("retry feedback missing: %+v", last)
	}
	if !strings.Contains(seen[0][1].Content, `"name":"get_weather"`) {
		t.Fatalf("tool list not rendered into prompt")
	}
}

func TestCallFunctionGivesUp(t *testing.T) {
	calls := 0
	w := WorkerFunc(func(context.Context, []Message) (Message, error) {
		calls++
		return NewMessage("assistant", `{"name": "launch_rockets", "arguments": {}}`), nil
	})
	_, err := CallFunction(context.Background(), w, nil, []Function{{Name: "noop"}}, 2)
	if !errors.Is(err, ErrTooManyRetries) {
		t.Fatalf("expected ErrTooManyRetries, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestCallFunctionPropagatesWorkerError(t *testing.T) {
	_, err := CallFunction(context.Background(), Disabled{}, nil, []Function{{Name: "noop"}}, 1)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestValidateMessages(t *testing.T) {
	if err := ValidateMessages(nil); !errors.Is(err, ErrEmptyMessages) {
		t.Fatalf("expected ErrEmptyMessages, got %v", err)
	}
	if err := ValidateMessages([]Message{{Role: "robot", Content: "x"}}); err == nil {
		t.Fatalf("expected role error")
	}
	if err := ValidateMessages([]Message{{Role: "system"}, {Role: "user"}, {Role: "assistant"}}); err != nil {
		t.Fatalf("ValidateMessages: %v", err)
	}
}

func TestToContents(t *testing.T) {
	contents, system := toContents([]Message{
		NewMessage("system", "be brief"),
		NewMessage("user", "hi"),
		NewMessage("assistant", "hello"),
		NewMessage("system", "no emojis"),
	})
	if system != "be brief\n\nno emojis" {
		t.Fatalf("system=%q", system)
	}
	if len(contents) != 2 || contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("contents roles wrong: %d", len(contents))
	}
}
