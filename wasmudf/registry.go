// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FunctionID is the numeric identifier the engine uses to name a registered
// scalar function.
type FunctionID uint32

// ScalarFunc is the callback invoked once per row. args holds one value per
// declared argument, in order, with nil standing for SQL NULL. A nil result
// marks the row's result as NULL.
//
// The args slice is reused between rows and must not be retained.
type ScalarFunc func(args []any) (any, error)

// ContextFunc is a ScalarFunc that also receives the call's CallContext,
// for callbacks that log or need the call's context.Context.
type ContextFunc func(cc *CallContext, args []any) (any, error)

// Function is a registered scalar function.
type Function struct {
	ID   FunctionID
	Name string
	// Args declares the physical type of each argument. When nil, any
	// argument list is accepted and values arrive as decoded.
	Args []PhysicalType
	// Return declares the result type. TypeInvalid accepts whatever the
	// descriptor asks for.
	Return PhysicalType
	// Exactly one of Fn and CtxFn is set.
	Fn    ScalarFunc
	CtxFn ContextFunc
}

// Signature renders the function as "name(INT32, VARCHAR) -> DOUBLE".
func (f *Function) Signature() string {
	var sb strings.Builder
	name := f.Name
	if name == "" {
		name = fmt.Sprintf("udf_%d", f.ID)
	}
	sb.WriteString(name)
	sb.WriteByte('(')
	if f.Args == nil {
		sb.WriteString("...")
	}
	for i, a := range f.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteString(") -> ")
	if f.Return == TypeInvalid {
		sb.WriteString("ANY")
	} else {
		sb.WriteString(f.Return.String())
	}
	return sb.String()
}

// checkSignature verifies a call's argument and return types against the
// declared signature. Types the bridge cannot represent are left for the
// argument decoder and result encoder to report.
func (f *Function) checkSignature(args []PhysicalType, ret PhysicalType) error {
	if f.Args != nil {
		if len(args) != len(f.Args) {
			return newError(KindInvalidDescriptor, f.ID,
				"%s called with %d arguments", f.Signature(), len(args))
		}
		for i, t := range args {
			if t != f.Args[i] {
				e := newError(KindInvalidDescriptor, f.ID,
					"%s: argument %d has physical type %s", f.Signature(), i, t)
				e.Arg = i
				return e
			}
		}
	}
	if f.Return != TypeInvalid && ret != f.Return {
		return newError(KindInvalidDescriptor, f.ID,
			"%s: call expects result type %s", f.Signature(), ret)
	}
	return nil
}

// Registry maps function identifiers to callbacks. It is safe for concurrent
// use; calls only read from it.
type Registry struct {
	mu    sync.RWMutex
	funcs map[FunctionID]*Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[FunctionID]*Function)}
}

// Register installs fn under id with no declared signature, replacing any
// previous registration. It panics if fn is nil.
func (r *Registry) Register(id FunctionID, fn ScalarFunc) {
	if err := r.RegisterFunction(Function{ID: id, Fn: fn}); err != nil {
		panic(fmt.Sprintf("wasmudf: %v", err))
	}
}

// RegisterContext installs a context-aware callback under id with no
// declared signature. It panics if fn is nil.
func (r *Registry) RegisterContext(id FunctionID, name string, fn ContextFunc) {
	if err := r.RegisterFunction(Function{ID: id, Name: name, CtxFn: fn}); err != nil {
		panic(fmt.Sprintf("wasmudf: %v", err))
	}
}

// RegisterFunction installs f, replacing any previous registration with the
// same ID.
func (r *Registry) RegisterFunction(f Function) error {
	if (f.Fn == nil) == (f.CtxFn == nil) {
		return fmt.Errorf("registering function %d: exactly one of Fn and CtxFn must be set", f.ID)
	}
	for i, t := range f.Args {
		if WidthOf(t) == 0 {
			return fmt.Errorf("registering function %d: argument %d has unsupported type %s", f.ID, i, t)
		}
	}
	if f.Args != nil {
		f.Args = append([]PhysicalType(nil), f.Args...)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[f.ID] = &f
	return nil
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id FunctionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, id)
}

// Resolve returns the function registered under id.
func (r *Registry) Resolve(id FunctionID) (*Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[id]
	return f, ok
}

// Functions returns every registered function ordered by ID.
func (r *Registry) Functions() []*Function {
	r.mu.RLock()
	out := make([]*Function, 0, len(r.funcs))
	for _, f := range r.funcs {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}
