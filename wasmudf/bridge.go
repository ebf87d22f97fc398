// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

// Call is one invocation request from the engine. Every field is an address
// or byte length in the engine's linear memory.
type Call struct {
	FunctionID     FunctionID
	DescriptorAddr uint32
	DescriptorLen  uint32
	PointersAddr   uint32
	PointersLen    uint32 // in bytes, a multiple of 8
	ResponseAddr   uint32
}

// Bridge dispatches engine calls to the functions of a Registry. A Bridge
// holds no per-call state and may serve concurrent calls on distinct arenas.
type Bridge struct {
	registry     *Registry
	encoding     SlotEncoding
	dispatchHook DispatchHook
	logger       *slog.Logger
	debugErrors  bool
	arrowMem     memory.Allocator
}

// NewBridge creates a bridge over registry. A nil registry gets a fresh one.
func NewBridge(registry *Registry) *Bridge {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Bridge{registry: registry}
}

// Registry returns the registry the bridge dispatches to.
func (b *Bridge) Registry() *Registry { return b.registry }

// Register installs fn under id. See Registry.Register.
func (b *Bridge) Register(id FunctionID, fn ScalarFunc) { b.registry.Register(id, fn) }

// Unregister removes id. See Registry.Unregister.
func (b *Bridge) Unregister(id FunctionID) { b.registry.Unregister(id) }

// SetSlotEncoding selects how address and length slots are encoded. Both
// sides of the boundary must agree. The default is SlotUint64; duckdb-wasm
// builds use SlotFloat64.
func (b *Bridge) SetSlotEncoding(enc SlotEncoding) {
	b.encoding = enc
}

// SlotEncoding returns the configured slot encoding.
func (b *Bridge) SlotEncoding() SlotEncoding { return b.encoding }

// SetDispatchHook registers a hook that is called around each call.
func (b *Bridge) SetDispatchHook(hook DispatchHook) {
	b.dispatchHook = hook
}

// SetLogger sets the logger for call diagnostics. Defaults to slog.Default().
func (b *Bridge) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// SetDebugErrors controls whether error messages include the Go stack of a
// panicking callback. Leave it off when the engine surfaces messages to end
// users.
func (b *Bridge) SetDebugErrors(enabled bool) {
	b.debugErrors = enabled
}

func (b *Bridge) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// dispatch tracks one call from hook start to hook end.
type dispatch struct {
	info   DispatchInfo
	stats  CallStatistics
	token  HookToken
	active bool
	cc     *CallContext
}

func (b *Bridge) startDispatch(ctx context.Context, info DispatchInfo) (context.Context, *dispatch) {
	info.CallID = uuid.NewString()
	if fn, ok := b.registry.Resolve(info.FunctionID); ok {
		info.FunctionName = fn.Name
	}
	d := &dispatch{info: info}
	if b.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					b.log().Error("dispatch hook start panic", "err", rv)
				}
			}()
			hookCtx, token := b.dispatchHook.OnDispatchStart(ctx, d.info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			d.token = token
			d.active = true
		}()
	}
	d.cc = &CallContext{Ctx: ctx, FunctionID: info.FunctionID, CallID: d.info.CallID, Transport: info.Transport}
	return ctx, d
}

// endDispatch logs the outcome, runs the end hook and returns the messages
// the callback logged.
func (b *Bridge) endDispatch(ctx context.Context, d *dispatch, err error) []LogMessage {
	logs := d.cc.drainLogs()
	emitLogs(ctx, b.log(), d.info, logs)
	if err != nil {
		b.log().Debug("call failed", "function_id", d.info.FunctionID, "call_id", d.info.CallID,
			"transport", d.info.Transport, "err", err)
	} else {
		b.log().Debug("call finished", "function_id", d.info.FunctionID, "call_id", d.info.CallID,
			"transport", d.info.Transport, "rows", d.stats.Rows)
	}
	if d.active {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					b.log().Error("dispatch hook end panic", "err", rv)
				}
			}()
			b.dispatchHook.OnDispatchEnd(ctx, d.token, d.info, &d.stats, err)
		}()
	}
	return logs
}

// guard runs f, converting a panic into an InternalError.
func guard[T any](id FunctionID, f func() (T, error)) (v T, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			var zero T
			v, err = zero, newError(KindInternal, id, "recovered panic: %v", rv)
		}
	}()
	return f()
}

// Invoke runs one call end to end and writes its outcome to the response
// record at call.ResponseAddr: [0, bundle, 0] on success or [1, message,
// length] on failure. Invoke never panics. The returned error has already
// been reported to the engine and is returned for the host's information.
func (b *Bridge) Invoke(ctx context.Context, arena Arena, call Call) (*Result, error) {
	ctx, d := b.startDispatch(ctx, DispatchInfo{FunctionID: call.FunctionID, Transport: TransportMemory})

	res, err := guard(call.FunctionID, func() (*Result, error) {
		return b.invoke(ctx, arena, call, d)
	})
	if err == nil {
		_, err = guard(call.FunctionID, func() (struct{}, error) {
			return struct{}{}, reportSuccess(arena, b.encoding, call.ResponseAddr, res.Bundle)
		})
	}
	if err != nil {
		res = nil
		b.report(ctx, arena, call, err)
	}

	b.endDispatch(ctx, d, err)
	return res, err
}

// report delivers err to the engine through the response record.
func (b *Bridge) report(ctx context.Context, arena Arena, call Call, err error) {
	msg := err.Error()
	_, rerr := guard(call.FunctionID, func() (struct{}, error) {
		return struct{}{}, reportError(ctx, arena, b.encoding, call.ResponseAddr, msg)
	})
	if rerr != nil {
		b.log().Error("failed to report call error", "function_id", call.FunctionID,
			"response_addr", call.ResponseAddr, "err", rerr, "call_err", err)
	}
}

func (b *Bridge) invoke(ctx context.Context, arena Arena, call Call, d *dispatch) (*Result, error) {
	fn, ok := b.registry.Resolve(call.FunctionID)
	if !ok {
		return nil, newError(KindUnknownFunction, call.FunctionID, "Unknown UDF with id: %d", call.FunctionID)
	}

	schema, pointers, err := b.readCall(arena, call)
	if err != nil {
		return nil, err
	}

	args, err := decodeArguments(arena, b.encoding, fn.ID, schema, pointers)
	if err != nil {
		return nil, err
	}
	var argBytes int64
	for _, a := range args {
		argBytes += a.bytes
	}
	d.stats.RecordArguments(int64(schema.Rows), argBytes)

	if WidthOf(schema.Ret.PhysicalType) != 0 {
		if err := fn.checkSignature(argumentTypes(args), schema.Ret.PhysicalType); err != nil {
			return nil, err
		}
	}

	out, err := newMemoryResult(ctx, arena, b.encoding, fn.ID, schema.Ret, schema.Rows)
	if err != nil {
		return nil, err
	}
	// Allocation may have moved linear memory.
	cols := make([]column, len(args))
	for i, a := range args {
		if err := a.bind(arena, fn.ID, schema.Rows); err != nil {
			return nil, err
		}
		cols[i] = a
	}
	if err := out.bind(); err != nil {
		return nil, err
	}

	sink := &countingSink{resultSink: out}
	loop := rowLoop{fn: fn, cc: d.cc, trace: b.debugErrors}
	if err := loop.run(cols, schema.Rows, sink); err != nil {
		return nil, err
	}
	d.stats.NullResults += sink.nulls

	bundle, err := out.finish(ctx)
	d.stats.RecordResult(out.bytes, int64(out.allocations))
	if err != nil {
		return nil, err
	}
	return out.result(bundle), nil
}

// readCall decodes the descriptor text and the pointer table of call.
func (b *Bridge) readCall(mem Memory, call Call) (*SchemaDescription, []uint64, error) {
	text, ok := mem.Read(call.DescriptorAddr, call.DescriptorLen)
	if !ok {
		return nil, nil, newError(KindInvalidDescriptor, call.FunctionID,
			"descriptor [%d, +%d) lies outside memory", call.DescriptorAddr, call.DescriptorLen)
	}
	schema, err := DecodeSchema(text)
	if err != nil {
		be := newError(KindInvalidDescriptor, call.FunctionID, "%v", err)
		be.Err = err
		return nil, nil, be
	}
	if call.PointersLen%slotWidth != 0 {
		return nil, nil, newError(KindInvalidDescriptor, call.FunctionID,
			"pointer table length %d is not a multiple of %d", call.PointersLen, slotWidth)
	}
	pointers, err := readSlots(mem, b.encoding, call.PointersAddr, int(call.PointersLen/slotWidth))
	if err != nil {
		be := newError(KindInvalidDescriptor, call.FunctionID, "pointer table: %v", err)
		be.Err = err
		return nil, nil, be
	}
	return schema, pointers, nil
}

// String describes the bridge configuration for diagnostics.
func (b *Bridge) String() string {
	return fmt.Sprintf("wasmudf.Bridge{functions: %d, slots: %s}", b.registry.Len(), b.encoding)
}
