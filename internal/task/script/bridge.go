package script

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	lua "github.com/yuin/gopher-lua"

	"taskhost/internal/scope"
	"taskhost/pkg/logx"
)

// Func is a host capability callable from lua.
//
// params is the JSON-shaped argument (nil, bool, float64, string, []any, map[string]any).
// The result may be any value encoding/json can marshal. A returned error reaches the
// script as an error object, never as a lua error.
type Func func(ctx context.Context, sc *scope.Scope, params any) (any, error)

// RegisterFunc exposes fn as the lua global name. Registering the same name again
// replaces the previous handler.
func (r *Runtime) RegisterFunc(name string, fn Func) error {
	if !ValidTaskName(name) {
		return fmt.Errorf("native function %q: %w", name, ErrInvalidTaskName)
	}
	if fn == nil {
		return fmt.Errorf("native function %q: nil handler", name)
	}
	return r.do(context.Background(), func(L *lua.LState) error {
		L.SetGlobal(name, L.NewFunction(r.nativeFunction(name, fn)))
		r.mu.Lock()
		_, replaced := r.natives[name]
		r.natives[name] = fn
		r.mu.Unlock()
		if replaced {
			r.log.Debug("native function replaced", logx.String("function", name))
		}
		return nil
	})
}

func (r *Runtime) nativeFunction(name string, fn Func) lua.LGFunction {
	return func(L *lua.LState) int {
		params, err := r.collectArgs(L)
		if err != nil {
			L.Push(r.nativeError(L, name, fmt.Errorf("malformed arguments: %w", err)))
			return 1
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out, err := r.invoke(ctx, name, fn, params)
		if err != nil {
			L.Push(r.nativeError(L, name, err))
			return 1
		}

		norm, err := normalize(out)
		if err == nil {
			var lv lua.LValue
			if lv, err = r.codec.toLua(L, norm); err == nil {
				L.Push(lv)
				return 1
			}
		}
		L.Push(r.nativeError(L, name, err))
		return 1
	}
}

// collectArgs applies the calling convention: no argument is nil, one argument is
// passed through, several become a JSON array.
func (r *Runtime) collectArgs(L *lua.LState) (any, error) {
	top := L.GetTop()
	switch top {
	case 0:
		return nil, nil
	case 1:
		return r.codec.fromLua(L.Get(1))
	}
	args := make([]any, 0, top)
	for i := 1; i <= top; i++ {
		v, err := r.codec.fromLua(L.Get(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func (r *Runtime) invoke(ctx context.Context, name string, fn Func, params any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("native function panic",
				logx.String("function", name),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			out, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, r.sc, params)
}

// nativeError builds { error = { kind, function, message } }.
func (r *Runtime) nativeError(L *lua.LState, name string, err error) lua.LValue {
	if err == nil {
		err = errors.New("unknown error")
	}
	nerr := &NativeFunctionError{Function: name, Err: err}
	r.log.Debug("native function failed", logx.String("function", name), logx.Err(nerr))

	detail := L.NewTable()
	detail.RawSetString("kind", lua.LString(NativeErrorKind))
	detail.RawSetString("function", lua.LString(name))
	detail.RawSetString("message", lua.LString(err.Error()))

	wrapper := L.NewTable()
	wrapper.RawSetString("error", detail)
	return wrapper
}

// IsNativeError reports whether a decoded JSON value is the bridge's error object.
func IsNativeError(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	detail, ok := m["error"].(map[string]any)
	if !ok {
		return false
	}
	kind, _ := detail["kind"].(string)
	return kind == NativeErrorKind
}
