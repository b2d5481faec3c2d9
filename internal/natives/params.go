package natives

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var errNotTable = errors.New("expected a table argument")

// args is the decoded table argument of a native call.
type args map[string]any

func parseArgs(params any) (args, error) {
	switch p := params.(type) {
	case nil:
		return args{}, nil
	case map[string]any:
		return args(p), nil
	case []any:
		// An empty table decodes as an object, but a marked empty array is legal too.
		if len(p) == 0 {
			return args{}, nil
		}
	}
	return nil, errNotTable
}

func (a args) has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T", key, v)
	}
	return s, nil
}

func (a args) requireStr(key string) (string, error) {
	if !a.has(key) {
		return "", fmt.Errorf("%s is required", key)
	}
	return a.str(key)
}

func (a args) num(key string) (float64, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
	return f, true, nil
}

func (a args) integer(key string) (int64, bool, error) {
	f, ok, err := a.num(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("%s: expected an integer, got %v", key, f)
	}
	return int64(f), true, nil
}

func (a args) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected a boolean, got %T", key, v)
	}
	return b, nil
}

func (a args) object(key string) (map[string]any, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case []any:
		if len(m) == 0 {
			return map[string]any{}, nil
		}
	}
	return nil, fmt.Errorf("%s: expected a table, got %T", key, v)
}

// stringMap converts a table of scalars to strings (numbers and booleans are formatted).
func stringMap(key string, m map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = x
		case float64:
			out[k] = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", x), "0"), ".")
		case bool:
			out[k] = fmt.Sprint(x)
		default:
			return nil, fmt.Errorf("%s.%s: expected a string, got %T", key, k, v)
		}
	}
	return out, nil
}
