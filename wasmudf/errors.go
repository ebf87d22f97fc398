// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
)

// ErrorKind classifies a failed call. The kind is the first token of the
// message delivered to the engine.
type ErrorKind string

const (
	// KindUnknownFunction reports a function id with no registered callback.
	KindUnknownFunction ErrorKind = "UnknownFunctionId"
	// KindInvalidDescriptor reports descriptor text or a pointer table that
	// could not be decoded or does not match the registered signature.
	KindInvalidDescriptor ErrorKind = "InvalidDescriptor"
	// KindInvalidArgumentBuffer reports an argument buffer that could not be
	// viewed (zero length, unsupported type or outside memory).
	KindInvalidArgumentBuffer ErrorKind = "InvalidArgumentBuffer"
	// KindInvalidResultBuffer reports an unsupported return type or a failed
	// result allocation.
	KindInvalidResultBuffer ErrorKind = "InvalidResultBuffer"
	// KindCallbackException reports a callback that returned an error,
	// panicked, or produced a value the return type cannot hold.
	KindCallbackException ErrorKind = "CallbackException"
	// KindInternal reports a fault recovered inside the bridge itself, for
	// example a panicking Memory implementation.
	KindInternal ErrorKind = "InternalError"
)

// ErrBridge is a sentinel for use with errors.Is to check whether any error in
// a chain is a *BridgeError.
var ErrBridge = &BridgeError{}

// Sentinels matching a single kind with errors.Is.
var (
	ErrUnknownFunction       = &BridgeError{Kind: KindUnknownFunction}
	ErrInvalidDescriptor     = &BridgeError{Kind: KindInvalidDescriptor}
	ErrInvalidArgumentBuffer = &BridgeError{Kind: KindInvalidArgumentBuffer}
	ErrInvalidResultBuffer   = &BridgeError{Kind: KindInvalidResultBuffer}
	ErrCallbackException     = &BridgeError{Kind: KindCallbackException}
	ErrInternal              = &BridgeError{Kind: KindInternal}
)

// BridgeError is the error produced by a failed call.
type BridgeError struct {
	Kind       ErrorKind
	Message    string
	FunctionID FunctionID
	Row        int // -1 when not tied to a row
	Arg        int // -1 when not tied to an argument
	Traceback  string
	Err        error // underlying cause, if any
}

func (e *BridgeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Traceback != "" {
		msg += "\n" + e.Traceback
	}
	return msg
}

func (e *BridgeError) Unwrap() error { return e.Err }

// Is matches any *BridgeError when the target has no kind, and otherwise
// matches on kind.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func newError(kind ErrorKind, id FunctionID, format string, args ...any) *BridgeError {
	return &BridgeError{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		FunctionID: id,
		Row:        -1,
		Arg:        -1,
	}
}

func argumentError(id FunctionID, arg int, format string, args ...any) *BridgeError {
	e := newError(KindInvalidArgumentBuffer, id, "argument %d: "+format, append([]any{arg}, args...)...)
	e.Arg = arg
	return e
}

func callbackError(id FunctionID, name string, row int, cause error) *BridgeError {
	label := fmt.Sprintf("function %d", id)
	if name != "" {
		label = fmt.Sprintf("function %d (%s)", id, name)
	}
	e := newError(KindCallbackException, id, "%s failed on row %d: %v", label, row, cause)
	e.Row = row
	e.Err = cause
	return e
}

// stackFrame is one frame of a captured Go stack.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON carried in the error metadata of HTTP error batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	FunctionID       FunctionID   `json:"function_id"`
	Row              int          `json:"row"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// captureFrames records up to limit caller frames, skipping skip frames.
func captureFrames(skip, limit int) []stackFrame {
	pcs := make([]uintptr, limit+skip)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	var frames []stackFrame
	callersFrames := runtime.CallersFrames(pcs[:n])
	for len(frames) < limit {
		frame, more := callersFrames.Next()
		frames = append(frames, stackFrame{
			File:     frame.File,
			Line:     frame.Line,
			Function: frame.Function,
		})
		if !more {
			break
		}
	}
	return frames
}

func formatFrames(frames []stackFrame) string {
	var sb strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&sb, "  at %s (%s:%d)\n", f.Function, f.File, f.Line)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// buildErrorExtra creates the JSON string for the error metadata from an error.
func buildErrorExtra(err error, debug bool) string {
	extra := errorExtra{
		ExceptionType:    fmt.Sprintf("%T", err),
		ExceptionMessage: err.Error(),
		Row:              -1,
	}
	if be, ok := err.(*BridgeError); ok {
		extra.ExceptionType = string(be.Kind)
		extra.ExceptionMessage = be.Message
		extra.FunctionID = be.FunctionID
		extra.Row = be.Row
	}
	if debug {
		extra.Frames = captureFrames(3, 5)
	}
	data, _ := json.Marshal(extra)
	return string(data)
}
