package aiworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const DefaultCallAttempts = 3

var ErrTooManyRetries = errors.New("model did not produce a valid function call")

// Function describes one tool the model may call.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

// FunctionCall is the model's decision.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"raw"`
}

const functionPreamble = `You are a function calling AI model. You are provided with function signatures within <tools></tools> XML tags. Call exactly one function that fits the conversation. Do not make assumptions about what values to plug into functions; use only the parameters described. Answer with JSON only, no prose.
<tools>
`

const callSchema = `</tools>
Answer with a single JSON object matching this schema:
{"title": "FunctionCall", "type": "object", "properties": {"arguments": {"title": "Arguments", "type": "object"}, "name": {"title": "Name", "type": "string"}}, "required": ["arguments", "name"]}`

// FunctionPrompt renders the system message listing fns.
func FunctionPrompt(fns []Function) (string, error) {
	var b strings.Builder
	b.WriteString(functionPreamble)
	for _, fn := range fns {
		tool := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        fn.Name,
				"description": fn.Description,
				"parameters":  fn.Parameters,
			},
		}
		j, err := json.Marshal(tool)
		if err != nil {
			return "", fmt.Errorf("function %q: %w", fn.Name, err)
		}
		b.Write(j)
		b.WriteByte('\n')
	}
	b.WriteString(callSchema)
	return b.String(), nil
}

// CallFunction asks w to pick one of fns. Output that is not a valid call is fed
// back as a system message and the model is asked again, up to attempts times.
func CallFunction(ctx context.Context, w Worker, messages []Message, fns []Function, attempts int) (FunctionCall, error) {
	if len(fns) == 0 {
		return FunctionCall{}, errors.New("no functions offered")
	}
	if attempts <= 0 {
		attempts = DefaultCallAttempts
	}
	prompt, err := FunctionPrompt(fns)
	if err != nil {
		return FunctionCall{}, err
	}
	known := make(map[string]bool, len(fns))
	for _, fn := range fns {
		known[fn.Name] = true
	}

	conv := make([]Message, 0, len(messages)+1+attempts)
	conv = append(conv, messages...)
	conv = append(conv, NewMessage("system", prompt))

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return FunctionCall{}, err
		}
		out, err := w.Eval(ctx, conv)
		if err != nil {
			return FunctionCall{}, err
		}
		call, perr := ParseFunctionCall(out.Content)
		if perr == nil && !known[call.Name] {
			perr = fmt.Errorf("unknown function %q", call.Name)
		}
		if perr == nil {
			return call, nil
		}
		lastErr = perr
		conv = append(conv, out, NewMessage("system", "Error Parsing JSON: "+perr.Error()))
	}
	return FunctionCall{}, fmt.Errorf("%w after %d attempts: %v", ErrTooManyRetries, attempts, lastErr)
}

// ParseFunctionCall extracts the first JSON object from text (code fences and
// surrounding prose are tolerated) and decodes it as a call.
func ParseFunctionCall(text string) (FunctionCall, error) {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return FunctionCall{}, err
	}
	var call FunctionCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return FunctionCall{}, err
	}
	if strings.TrimSpace(call.Name) == "" {
		return FunctionCall{}, errors.New("missing function name")
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	call.Raw = raw
	return call, nil
}

// ExtractJSONObject returns the first balanced {...} in text that is valid JSON.
func ExtractJSONObject(text string) (string, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > 0 {
			cand := text[start : end+1]
			if json.Valid([]byte(cand)) {
				return cand, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", errors.New("no JSON object in model output")
}

// matchBrace returns the index of the brace closing text[open], honoring strings.
func matchBrace(text string, open int) int {
	depth := 0
	inStr, esc := false, false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
