package script

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"

	"taskhost/internal/scope"
	"taskhost/pkg/logx"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Lua keywords are valid by the regexp but cannot name a global table.
var luaKeywords = map[string]struct{}{
	"and": {}, "break": {}, "do": {}, "else": {}, "elseif": {}, "end": {},
	"false": {}, "for": {}, "function": {}, "goto": {}, "if": {}, "in": {},
	"local": {}, "nil": {}, "not": {}, "or": {}, "repeat": {}, "return": {},
	"then": {}, "true": {}, "until": {}, "while": {},
}

// ValidTaskName reports whether name can be used as a task (a lua global identifier).
func ValidTaskName(name string) bool {
	if !identRe.MatchString(name) {
		return false
	}
	_, kw := luaKeywords[name]
	return !kw
}

type Options struct {
	// Sandbox opens only base/table/string/math/package/coroutine plus a
	// read-only os subset (time/date/clock/difftime).
	Sandbox bool

	Scope  *scope.Scope
	Logger logx.Logger
}

// Source is one script to load. Path is optional; when set, its directory is
// added to package.path so require() finds sibling modules.
type Source struct {
	Name string
	Path string
	Code string
}

// Runtime owns the single lua state of the host.
//
// Every interaction with the state goes through the interpreter lock, a weighted
// semaphore of size one, so waiting callers can give up when their context ends.
// Native functions run while the lock is held and must not call back into Runtime.
type Runtime struct {
	L     *lua.LState
	lock  *semaphore.Weighted
	codec codec

	sc  *scope.Scope
	log logx.Logger

	poisoned atomic.Bool
	closed   bool

	mu      sync.Mutex
	natives map[string]Func
	paths   map[string]struct{}
}

func New(opt Options) *Runtime {
	log := opt.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	sc := opt.Scope
	if sc == nil {
		sc = scope.New()
	}

	var L *lua.LState
	if opt.Sandbox {
		L = newSandboxState()
	} else {
		L = lua.NewState()
	}

	r := &Runtime{
		L:       L,
		lock:    semaphore.NewWeighted(1),
		sc:      sc,
		log:     log.With(logx.String("comp", "script")),
		natives: make(map[string]Func),
		paths:   make(map[string]struct{}),
	}
	r.codec = newCodec(L)
	return r
}

func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
		{lua.OsLibName, lua.OpenOs},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			panic(fmt.Sprintf("open lua lib %q: %v", lib.name, err))
		}
	}

	full, _ := L.GetGlobal(lua.OsLibName).(*lua.LTable)
	safe := L.NewTable()
	if full != nil {
		for _, name := range []string{"time", "date", "clock", "difftime"} {
			safe.RawSetString(name, full.RawGetString(name))
		}
	}
	L.SetGlobal(lua.OsLibName, safe)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	return L
}

// Scope returns the registry handed to native functions.
func (r *Runtime) Scope() *scope.Scope { return r.sc }

// Poisoned reports whether a Go panic escaped the interpreter.
func (r *Runtime) Poisoned() bool { return r.poisoned.Load() }

// Close releases the lua state. It waits for the running call, if any.
func (r *Runtime) Close() error {
	if err := r.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer r.lock.Release(1)
	if r.closed {
		return nil
	}
	r.closed = true
	r.L.Close()
	return nil
}

// do runs fn with the interpreter lock held and ctx attached to the state.
func (r *Runtime) do(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.poisoned.Load() {
		return ErrPoisoned
	}
	if err := r.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.lock.Release(1)

	if r.closed {
		return ErrClosed
	}
	if r.poisoned.Load() {
		return ErrPoisoned
	}

	r.L.SetContext(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			r.poison(fmt.Sprint(rec), string(debug.Stack()))
			err = ErrPoisoned
			return
		}
		r.L.RemoveContext()
		r.L.SetTop(0)
	}()

	return fn(r.L)
}

func (r *Runtime) poison(reason, stack string) {
	if r.poisoned.Swap(true) {
		return
	}
	r.log.Error("interpreter poisoned", logx.String("panic", reason), logx.Stack(stack))
}

// classify turns a protected-call error into ErrPoisoned when the failure was a Go panic.
func (r *Runtime) classify(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorPanic {
		r.poison(apiErr.Error(), apiErr.StackTrace)
		return fmt.Errorf("%w: %v", ErrPoisoned, apiErr.Object)
	}
	return nil
}

// Load compiles and runs a script chunk. Running the chunk defines the task tables.
func (r *Runtime) Load(ctx context.Context, src Source) error {
	name := src.Name
	if name == "" {
		name = src.Path
	}
	err := r.do(ctx, func(L *lua.LState) error {
		if src.Path != "" {
			r.addSearchPath(L, filepath.Dir(src.Path))
		}
		fn, err := L.Load(strings.NewReader(src.Code), name)
		if err != nil {
			return &ScriptLoadError{Script: name, Err: err}
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			if perr := r.classify(err); perr != nil {
				return perr
			}
			return &ScriptLoadError{Script: name, Err: err}
		}
		return nil
	})
	if err != nil && !isScriptError(err) {
		return &ScriptLoadError{Script: name, Err: err}
	}
	return err
}

func isScriptError(err error) bool {
	var le *ScriptLoadError
	return errors.As(err, &le) || errors.Is(err, ErrPoisoned)
}

func (r *Runtime) addSearchPath(L *lua.LState, dir string) {
	abs, err := filepath.Abs(dir)
	if err == nil {
		dir = abs
	}
	r.mu.Lock()
	_, seen := r.paths[dir]
	r.paths[dir] = struct{}{}
	r.mu.Unlock()
	if seen {
		return
	}

	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	old := ""
	if s, ok := L.GetField(pkg, "path").(lua.LString); ok {
		old = string(s)
	}
	entry := filepath.ToSlash(filepath.Join(dir, "?.lua"))
	if old != "" {
		entry += ";" + old
	}
	L.SetField(pkg, "path", lua.LString(entry))
}

// taskFunc resolves <task>.<field> as a function.
func taskFunc(L *lua.LState, task, field string) (*lua.LFunction, error) {
	tbl, ok := L.GetGlobal(task).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("global %q is not a table", task)
	}
	fn, ok := L.GetField(tbl, field).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a function", task, field)
	}
	return fn, nil
}

// Setup validates a declared task and runs its setup().
func (r *Runtime) Setup(ctx context.Context, task string) error {
	if !ValidTaskName(task) {
		return &TaskSetupError{Task: task, Err: ErrInvalidTaskName}
	}
	err := r.do(ctx, func(L *lua.LState) error {
		setup, err := taskFunc(L, task, "setup")
		if err != nil {
			return err
		}
		if _, err := taskFunc(L, task, "execute"); err != nil {
			return err
		}
		if err := L.CallByParam(lua.P{Fn: setup, NRet: 0, Protect: true}); err != nil {
			if perr := r.classify(err); perr != nil {
				return perr
			}
			return err
		}
		return nil
	})
	if err == nil || errors.Is(err, ErrPoisoned) {
		return err
	}
	return &TaskSetupError{Task: task, Err: err}
}

// Execute runs <task>.execute(params) and returns its first result as a JSON value.
// A nil params value is passed as an empty table.
func (r *Runtime) Execute(ctx context.Context, task string, params any) (any, error) {
	if !ValidTaskName(task) {
		return nil, &TaskExecutionError{Task: task, Err: ErrInvalidTaskName}
	}
	norm, err := normalize(params)
	if err != nil {
		return nil, &TaskExecutionError{Task: task, Err: err}
	}

	var result any
	err = r.do(ctx, func(L *lua.LState) error {
		exec, err := taskFunc(L, task, "execute")
		if err != nil {
			return err
		}

		var arg lua.LValue = L.NewTable()
		if norm != nil {
			if arg, err = r.codec.toLua(L, norm); err != nil {
				return fmt.Errorf("params: %w", err)
			}
		}

		if err := L.CallByParam(lua.P{Fn: exec, NRet: 2, Protect: true}, arg); err != nil {
			if perr := r.classify(err); perr != nil {
				return perr
			}
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("%w: %v", cerr, err)
			}
			return err
		}

		ret, msg := L.Get(-2), L.Get(-1)
		L.Pop(2)
		if isNil(ret) && !isNil(msg) && msg != r.codec.null {
			return errors.New(msg.String())
		}
		out, err := r.codec.fromLua(ret)
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		result = out
		return nil
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrPoisoned) {
		return nil, err
	}
	return nil, &TaskExecutionError{Task: task, Err: err}
}

func isNil(v lua.LValue) bool { return v == nil || v == lua.LNil }

// HasTask reports whether a global table with an execute function exists for task.
func (r *Runtime) HasTask(ctx context.Context, task string) bool {
	if !ValidTaskName(task) {
		return false
	}
	ok := false
	_ = r.do(ctx, func(L *lua.LState) error {
		_, err := taskFunc(L, task, "execute")
		ok = err == nil
		return nil
	})
	return ok
}

// Natives returns the registered native function names, sorted.
func (r *Runtime) Natives() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.natives))
	for name := range r.natives {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
