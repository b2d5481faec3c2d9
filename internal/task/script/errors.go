package script

import (
	"errors"
	"fmt"
)

var (
	// ErrPoisoned is returned once a Go panic escaped the interpreter. The state is
	// no longer trustworthy and every later call fails with this error.
	ErrPoisoned = errors.New("script: interpreter poisoned")

	ErrInvalidTaskName = errors.New("script: task name is not a lua identifier")
	ErrClosed          = errors.New("script: runtime closed")
)

// ScriptLoadError reports a script that failed to compile or whose chunk raised an error.
type ScriptLoadError struct {
	Script string
	Err    error
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("load script %q: %v", e.Script, e.Err)
}

func (e *ScriptLoadError) Unwrap() error { return e.Err }

// TaskSetupError reports a declared task that is missing, malformed, or whose setup() failed.
type TaskSetupError struct {
	Task string
	Err  error
}

func (e *TaskSetupError) Error() string {
	return fmt.Sprintf("setup task %q: %v", e.Task, e.Err)
}

func (e *TaskSetupError) Unwrap() error { return e.Err }

// TaskExecutionError reports a failed execute(): a lua error, a `nil, "message"`
// return, an exceeded execution budget, or a result that cannot be represented as JSON.
type TaskExecutionError struct {
	Task string
	Err  error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("execute task %q: %v", e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// NativeFunctionError is never raised inside lua. The bridge hands it to the
// script as an error object so the script can branch on it.
type NativeFunctionError struct {
	Function string
	Err      error
}

func (e *NativeFunctionError) Error() string {
	return fmt.Sprintf("native function %q: %v", e.Function, e.Err)
}

func (e *NativeFunctionError) Unwrap() error { return e.Err }

// NativeErrorKind is the `kind` field of the error object scripts receive.
const NativeErrorKind = "native_function_error"
