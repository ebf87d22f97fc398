// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/Query-farm/wasm-udf/wasmudf/udftest"
	"github.com/stretchr/testify/require"
)

const (
	fnAdd   wasmudf.FunctionID = 1
	fnUpper wasmudf.FunctionID = 2
	fnFail  wasmudf.FunctionID = 3
	fnPanic wasmudf.FunctionID = 4
	fnAny   wasmudf.FunctionID = 5
	fnLog   wasmudf.FunctionID = 6
	fnByte  wasmudf.FunctionID = 7
	fnEmpty wasmudf.FunctionID = 8
)

func newTestBridge() *wasmudf.Bridge {
	r := wasmudf.NewRegistry()
	wasmudf.RegisterFunc2(r, fnAdd, "add", func(a, b int32) (int32, error) { return a + b, nil })
	wasmudf.RegisterFunc1(r, fnUpper, "upper", func(s string) (string, error) { return strings.ToUpper(s), nil })
	wasmudf.RegisterFunc1(r, fnFail, "fail", func(v int64) (int64, error) {
		if v < 0 {
			return 0, fmt.Errorf("negative input %d", v)
		}
		return v, nil
	})
	wasmudf.RegisterFunc1(r, fnPanic, "explode", func(v int64) (int64, error) {
		var m map[string]int
		m["x"] = int(v)
		return v, nil
	})
	r.Register(fnAny, func(args []any) (any, error) { return args[0], nil })
	r.RegisterContext(fnLog, "noisy", func(cc *wasmudf.CallContext, args []any) (any, error) {
		cc.Log(wasmudf.LogInfo, "row seen", wasmudf.KV{Key: "value", Value: fmt.Sprint(args[0])})
		return args[0], nil
	})
	r.Register(fnByte, func(args []any) (any, error) { return 300, nil })
	wasmudf.RegisterFunc1(r, fnEmpty, "blank", func(string) (string, error) { return "", nil })
	return wasmudf.NewBridge(r)
}

func TestInvokeInt32(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: fnAdd,
		Return:     wasmudf.TypeInt32,
		Args: []udftest.Column{
			udftest.Col(wasmudf.TypeInt32, int32(1), nil, int32(-4), int32(1<<30)),
			udftest.Col(wasmudf.TypeInt32, int32(2), int32(5), nil, int32(1<<30-1)),
		},
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, []any{int32(3), nil, nil, int32(1<<31 - 1)}, out.Values)
	require.Zero(t, out.Bundle[2])
}

func TestInvokeVarcharOffsetsArePoolRelative(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	call, err := eng.Prepare(ctx, udftest.Request{
		FunctionID: fnUpper,
		Return:     wasmudf.TypeVarchar,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeVarchar, "ab", nil, "", "héllo")},
	})
	require.NoError(t, err)
	res, err := bridge.Invoke(ctx, eng.Arena, call)
	require.NoError(t, err)
	require.Equal(t, wasmudf.TypeVarchar, res.Type)
	require.Equal(t, 4, res.Rows)
	require.NotZero(t, res.Pool)
	require.Equal(t, uint32(len("AB")+len("HÉLLO")), res.PoolLen)

	offsets := wasmudf.NewView(eng.Arena, res.Data, wasmudf.TypeUInt64, 4)
	lengths := wasmudf.NewView(eng.Arena, res.Lengths, wasmudf.TypeUInt64, 4)
	require.Equal(t, uint64(0), offsets.Uint64(0))
	require.Equal(t, uint64(2), offsets.Uint64(2))
	require.Equal(t, uint64(2), offsets.Uint64(3))
	require.Equal(t, uint64(0), lengths.Uint64(1))
	require.Equal(t, uint64(len("HÉLLO")), lengths.Uint64(3))

	out, err := eng.Read(call, wasmudf.TypeVarchar, 4, res.Pool)
	require.NoError(t, err)
	require.Equal(t, []any{"AB", nil, "", "HÉLLO"}, out.Values)
	require.Equal(t, [3]uint32{res.Data, res.Validity, res.Lengths}, out.Bundle)
}

func TestInvokeVarcharWithoutTextSkipsPool(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	call, err := eng.Prepare(ctx, udftest.Request{
		FunctionID: fnEmpty,
		Return:     wasmudf.TypeVarchar,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeVarchar, "x", nil)},
	})
	require.NoError(t, err)
	res, err := bridge.Invoke(ctx, eng.Arena, call)
	require.NoError(t, err)
	require.Zero(t, res.Pool)
	require.Zero(t, res.PoolLen)

	out, err := eng.Read(call, wasmudf.TypeVarchar, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []any{"", nil}, out.Values)
}

func TestInvokeInvalidUTF8IsReplaced(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: fnAny,
		Return:     wasmudf.TypeVarchar,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeVarchar, "a\xffb")},
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, "a�b", out.Values[0])
}

func TestInvokeFloatSlots(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	bridge.SetSlotEncoding(wasmudf.SlotFloat64)
	eng := udftest.NewEngine(1 << 16)
	eng.Encoding = wasmudf.SlotFloat64

	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: fnUpper,
		Return:     wasmudf.TypeVarchar,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeVarchar, "duck", "db")},
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, []any{"DUCK", "DB"}, out.Values)


	// an integer-slot bridge reads float slots as out-of-range addresses
	other := udftest.NewEngine(1 << 16)
	other.Encoding = wasmudf.SlotFloat64
	call, err := other.Prepare(ctx, udftest.Request{
		FunctionID: fnAdd,
		Return:     wasmudf.TypeInt32,
		Args: []udftest.Column{
			udftest.Col(wasmudf.TypeInt32, int32(1)),
			udftest.Col(wasmudf.TypeInt32, int32(1)),
		},
	})
	require.NoError(t, err)
	_, err = newTestBridge().Invoke(ctx, other.Arena, call)
	require.ErrorIs(t, err, wasmudf.ErrInvalidArgumentBuffer)
}

func TestInvokeErrors(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		req    udftest.Request
		prefix string
		kind   error
	}{
		{
			name:   "unknown function",
			req:    udftest.Request{FunctionID: 42, Return: wasmudf.TypeInt32, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(1))}},
			prefix: "UnknownFunctionId: Unknown UDF with id: 42",
			kind:   wasmudf.ErrUnknownFunction,
		},
		{
			name:   "callback error",
			req:    udftest.Request{FunctionID: fnFail, Return: wasmudf.TypeInt64, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt64, int64(1), int64(-3))}},
			prefix: "CallbackException: function 3 (fail) failed on row 1: negative input -3",
			kind:   wasmudf.ErrCallbackException,
		},
		{
			name:   "callback panic",
			req:    udftest.Request{FunctionID: fnPanic, Return: wasmudf.TypeInt64, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt64, int64(1))}},
			prefix: "CallbackException: function 4 (explode) failed on row 0: panic: assignment to entry in nil map",
			kind:   wasmudf.ErrCallbackException,
		},
		{
			name:   "result out of range",
			req:    udftest.Request{FunctionID: fnByte, Return: wasmudf.TypeUInt8, Args: []udftest.Column{udftest.Col(wasmudf.TypeUInt8, uint8(1))}},
			prefix: "CallbackException:",
			kind:   wasmudf.ErrCallbackException,
		},
		{
			name:   "unsupported return type",
			req:    udftest.Request{FunctionID: fnAny, ReturnTag: "DECIMAL", Args: []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(1))}},
			prefix: `InvalidResultBuffer: unsupported return physical type "DECIMAL"`,
			kind:   wasmudf.ErrInvalidResultBuffer,
		},
		{
			name:   "unsupported argument type",
			req:    udftest.Request{FunctionID: fnAny, Return: wasmudf.TypeInt32, Args: []udftest.Column{{Tag: "INT128", Values: []any{nil}}}},
			prefix: `InvalidArgumentBuffer: argument 0: unsupported physical type "INT128"`,
			kind:   wasmudf.ErrInvalidArgumentBuffer,
		},
		{
			name: "signature mismatch",
			req: udftest.Request{FunctionID: fnAdd, Return: wasmudf.TypeInt32, Args: []udftest.Column{
				udftest.Col(wasmudf.TypeInt32, int32(1)),
				udftest.Col(wasmudf.TypeDouble, 1.0),
			}},
			prefix: "InvalidDescriptor: add(INT32, INT32) -> INT32: argument 1 has physical type DOUBLE",
			kind:   wasmudf.ErrInvalidDescriptor,
		},
		{
			name:   "zero rows",
			req:    udftest.Request{FunctionID: fnAny, Return: wasmudf.TypeInt32},
			prefix: "InvalidDescriptor: rows must be positive",
			kind:   wasmudf.ErrInvalidDescriptor,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bridge := newTestBridge()
			eng := udftest.NewEngine(1 << 16)
			call, err := eng.Prepare(ctx, tc.req)
			require.NoError(t, err)

			res, err := bridge.Invoke(ctx, eng.Arena, call)
			require.Nil(t, res)
			require.ErrorIs(t, err, tc.kind)

			out, err := eng.Read(call, tc.req.Return, 1, 0)
			require.NoError(t, err)
			require.False(t, out.OK)
			require.True(t, strings.HasPrefix(out.Message, tc.prefix), out.Message)
		})
	}
}

func TestInvokeDebugErrorsCarryStack(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	req := udftest.Request{FunctionID: fnPanic, Return: wasmudf.TypeInt64, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt64, int64(1))}}
	out, err := eng.Run(ctx, bridge, req)
	require.NoError(t, err)
	require.NotContains(t, out.Message, "goroutine")

	bridge.SetDebugErrors(true)
	out, err = eng.Run(ctx, bridge, req)
	require.NoError(t, err)
	require.Contains(t, out.Message, "goroutine")
	require.Contains(t, out.Message, "bridge_test.go")
}

func TestInvokeBadDescriptorText(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 16)

	call, err := eng.PrepareRaw(ctx, fnAny, []byte(`{"rows": 1, "args": [`), nil)
	require.NoError(t, err)
	_, err = bridge.Invoke(ctx, eng.Arena, call)
	require.ErrorIs(t, err, wasmudf.ErrInvalidDescriptor)

	call.DescriptorAddr = 1 << 20
	_, err = bridge.Invoke(ctx, eng.Arena, call)
	require.ErrorIs(t, err, wasmudf.ErrInvalidDescriptor)

	out, err := eng.Read(call, wasmudf.TypeInt32, 1, 0)
	require.NoError(t, err)
	require.Contains(t, out.Message, "lies outside memory")
}

func TestInvokeArgumentOutsideMemory(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 12)

	desc := []byte(`{"rows": 4, "args": [{"physicalType": "INT32", "validityBuffer": 0, "dataBuffer": 1}], "ret": {"physicalType": "INT32"}}`)
	for name, pointers := range map[string][]uint64{
		"data past end":       {64, 1<<12 - 8},
		"validity past end":   {1 << 12, 64},
		"address over 32 bit": {64, 1 << 40},
		"short pointer table": {64},
	} {
		call, err := eng.PrepareRaw(ctx, fnAny, desc, pointers)
		require.NoError(t, err, name)
		_, err = bridge.Invoke(ctx, eng.Arena, call)
		require.ErrorIs(t, err, wasmudf.ErrInvalidArgumentBuffer, name)
	}
}

// failingArena refuses every allocation once armed.
type failingArena struct {
	*wasmudf.BufferArena
	armed bool
}

func (f *failingArena) Allocate(ctx context.Context, size uint32) (uint32, error) {
	if f.armed {
		return 0, errors.New("out of memory")
	}
	return f.BufferArena.Allocate(ctx, size)
}

func TestInvokeAllocationFailure(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	arena := &failingArena{BufferArena: wasmudf.NewBufferArena(1 << 16)}
	eng := &udftest.Engine{Arena: arena}

	call, err := eng.Prepare(ctx, udftest.Request{
		FunctionID: fnAny,
		Return:     wasmudf.TypeInt64,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeInt64, int64(9))},
	})
	require.NoError(t, err)
	arena.armed = true

	_, err = bridge.Invoke(ctx, arena, call)
	require.ErrorIs(t, err, wasmudf.ErrInvalidResultBuffer)

	// no room for the message either: the record still reports failure
	resp, err := wasmudf.ReadResponse(arena, wasmudf.SlotUint64, call.ResponseAddr)
	require.NoError(t, err)
	require.Equal(t, wasmudf.Response{Status: wasmudf.StatusError}, resp)
}

// growingArena moves its backing slice on every allocation, the way a wasm
// memory.grow can.
type growingArena struct {
	buf  []byte
	next uint32
}

func (g *growingArena) Size() uint32 { return uint32(len(g.buf)) }

func (g *growingArena) Read(offset, n uint32) ([]byte, bool) {
	if uint64(offset)+uint64(n) > uint64(len(g.buf)) {
		return nil, false
	}
	return g.buf[offset : offset+n], true
}

func (g *growingArena) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(g.buf)) {
		return false
	}
	copy(g.buf[offset:], v)
	return true
}

func (g *growingArena) Allocate(_ context.Context, size uint32) (uint32, error) {
	addr := (g.next + 7) &^ 7
	if addr == 0 {
		addr = 8
	}
	g.next = addr + size
	grown := make([]byte, int(g.next)+64)
	copy(grown, g.buf)
	g.buf = grown
	return addr, nil
}

func TestInvokeSurvivesMemoryGrowth(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	arena := &growingArena{}
	eng := &udftest.Engine{Arena: arena}

	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: fnAdd,
		Return:     wasmudf.TypeInt32,
		Args: []udftest.Column{
			udftest.Col(wasmudf.TypeInt32, int32(10), int32(20), nil),
			udftest.Col(wasmudf.TypeInt32, int32(1), int32(2), int32(3)),
		},
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, []any{int32(11), int32(22), nil}, out.Values)
}

// panickyArena panics on its first allocation.
type panickyArena struct {
	*wasmudf.BufferArena
	once sync.Once
}

func (p *panickyArena) Allocate(ctx context.Context, size uint32) (uint32, error) {
	p.once.Do(func() { panic("allocator corrupted") })
	return p.BufferArena.Allocate(ctx, size)
}

func TestInvokeRecoversBridgePanics(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	base := udftest.NewEngine(1 << 16)
	call, err := base.Prepare(ctx, udftest.Request{
		FunctionID: fnAny,
		Return:     wasmudf.TypeInt32,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(1))},
	})
	require.NoError(t, err)

	arena := &panickyArena{BufferArena: base.Arena.(*wasmudf.BufferArena)}
	_, err = bridge.Invoke(ctx, arena, call)
	require.ErrorIs(t, err, wasmudf.ErrInternal)

	out, err := base.Read(call, wasmudf.TypeInt32, 1, 0)
	require.NoError(t, err)
	require.Equal(t, "InternalError: recovered panic: allocator corrupted", out.Message)
}

type recordingHook struct {
	mu    sync.Mutex
	infos []wasmudf.DispatchInfo
	stats []wasmudf.CallStatistics
	errs  []error
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info wasmudf.DispatchInfo) (context.Context, wasmudf.HookToken) {
	return ctx, info.CallID
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, token wasmudf.HookToken, info wasmudf.DispatchInfo, stats *wasmudf.CallStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token != info.CallID {
		panic("token mismatch")
	}
	h.infos = append(h.infos, info)
	h.stats = append(h.stats, *stats)
	h.errs = append(h.errs, err)
}

func TestDispatchHookAndLogs(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	hook := &recordingHook{}
	bridge.SetDispatchHook(hook)
	eng := udftest.NewEngine(1 << 16)

	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: fnLog,
		Return:     wasmudf.TypeDouble,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeDouble, 1.5, nil, 2.5)},
	})
	require.NoError(t, err)
	require.Equal(t, []any{1.5, nil, 2.5}, out.Values)

	_, err = eng.Run(ctx, bridge, udftest.Request{FunctionID: 99, Return: wasmudf.TypeDouble,
		Args: []udftest.Column{udftest.Col(wasmudf.TypeDouble, 1.0)}})
	require.NoError(t, err)

	require.Len(t, hook.infos, 2)
	info := hook.infos[0]
	require.Equal(t, fnLog, info.FunctionID)
	require.Equal(t, "noisy", info.FunctionName)
	require.Equal(t, wasmudf.TransportMemory, info.Transport)
	require.NotEmpty(t, info.CallID)
	require.NotEqual(t, info.CallID, hook.infos[1].CallID)

	stats := hook.stats[0]
	require.Equal(t, int64(1), stats.Batches)
	require.Equal(t, int64(3), stats.Rows)
	require.Equal(t, int64(1), stats.NullResults)
	require.Equal(t, int64(3), stats.Allocations)
	require.Equal(t, int64(3*8+3+24), stats.ResultBytes)
	require.NoError(t, hook.errs[0])
	require.ErrorIs(t, hook.errs[1], wasmudf.ErrUnknownFunction)
}

func TestBridgeConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng := udftest.NewEngine(1 << 14)
			out, err := eng.Run(ctx, bridge, udftest.Request{
				FunctionID: fnAdd,
				Return:     wasmudf.TypeInt32,
				Args: []udftest.Column{
					udftest.Col(wasmudf.TypeInt32, int32(i)),
					udftest.Col(wasmudf.TypeInt32, int32(i)),
				},
			})
			if err != nil || !out.OK || out.Values[0] != int32(2*i) {
				t.Errorf("call %d: %v %+v", i, err, out)
			}
		}()
	}
	wg.Wait()
}

func TestBridgeString(t *testing.T) {
	bridge := newTestBridge()
	bridge.SetSlotEncoding(wasmudf.SlotFloat64)
	require.Equal(t, "wasmudf.Bridge{functions: 8, slots: float64}", bridge.String())
}
