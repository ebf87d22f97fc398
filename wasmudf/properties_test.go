// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/Query-farm/wasm-udf/wasmudf/udftest"
	"github.com/stretchr/testify/require"
)

// pointerSlot reads entry i of call's pointer table.
func pointerSlot(t *testing.T, eng *udftest.Engine, call wasmudf.Call, i int) uint32 {
	t.Helper()
	v, err := wasmudf.NewView(eng.Arena, call.PointersAddr, wasmudf.TypeUInt64, int(call.PointersLen/8)).Slot(eng.Encoding, i)
	require.NoError(t, err)
	return uint32(v)
}

func readBytes(t *testing.T, mem wasmudf.Memory, addr uint32, n int) []byte {
	t.Helper()
	b, ok := mem.Read(addr, uint32(n))
	require.True(t, ok)
	return append([]byte(nil), b...)
}

func TestIdentityRoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		typ    wasmudf.PhysicalType
		values []any
	}{
		{wasmudf.TypeUInt8, []any{uint8(0), nil, uint8(255), uint8(7)}},
		{wasmudf.TypeInt8, []any{int8(-128), int8(127), nil, int8(0)}},
		{wasmudf.TypeInt32, []any{int32(math.MinInt32), nil, int32(42), int32(math.MaxInt32)}},
		{wasmudf.TypeFloat, []any{float32(-1.5), float32(math.MaxFloat32), nil, math.Float32frombits(0x7f800001)}},
		{wasmudf.TypeInt64, []any{nil, int64(math.MinInt64), int64(1) << 40, int64(-1)}},
		{wasmudf.TypeUInt64, []any{uint64(math.MaxUint64), uint64(0), nil, uint64(1) << 63}},
		{wasmudf.TypeDouble, []any{math.Pi, nil, -0.0, math.Inf(1)}},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			bridge := newTestBridge()
			eng := udftest.NewEngine(1 << 16)
			call, err := eng.Prepare(ctx, udftest.Request{
				FunctionID: fnAny,
				Return:     tc.typ,
				Args:       []udftest.Column{udftest.Col(tc.typ, tc.values...)},
			})
			require.NoError(t, err)
			rows := len(tc.values)
			width := wasmudf.WidthOf(tc.typ)
			inValidity := readBytes(t, eng.Arena, pointerSlot(t, eng, call, 0), rows)
			inData := readBytes(t, eng.Arena, pointerSlot(t, eng, call, 1), rows*width)

			res, err := bridge.Invoke(ctx, eng.Arena, call)
			require.NoError(t, err)
			require.Equal(t, inData, readBytes(t, eng.Arena, res.Data, rows*width))
			require.Equal(t, inValidity, readBytes(t, eng.Arena, res.Validity, rows))
			require.Zero(t, res.Lengths)
		})
	}
}

func TestNullArgumentReachesCallbackAsNil(t *testing.T) {
	ctx := context.Background()
	var seen [][]any
	r := wasmudf.NewRegistry()
	r.Register(1, func(args []any) (any, error) {
		seen = append(seen, append([]any(nil), args...))
		if args[1] == nil {
			return nil, nil
		}
		return args[0], nil
	})
	bridge := wasmudf.NewBridge(r)

	eng := udftest.NewEngine(1 << 16)
	out, err := eng.Run(ctx, bridge, udftest.Request{
		FunctionID: 1,
		Return:     wasmudf.TypeInt32,
		Args: []udftest.Column{
			udftest.Col(wasmudf.TypeInt32, nil, int32(2), int32(3)),
			udftest.Col(wasmudf.TypeVarchar, "x", nil, "z"),
		},
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, [][]any{{nil, "x"}, {int32(2), nil}, {int32(3), "z"}}, seen)
	require.Equal(t, []any{nil, nil, int32(3)}, out.Values)
}

func TestVarcharArgumentsFromContiguousText(t *testing.T) {
	ctx := context.Background()
	var got []any
	r := wasmudf.NewRegistry()
	r.Register(1, func(args []any) (any, error) {
		got = append(got, args[0])
		return int64(len(args[0].(string))), nil
	})
	bridge := wasmudf.NewBridge(r)

	eng := udftest.NewEngine(1 << 12)
	arena := eng.Arena.(*wasmudf.BufferArena)
	alloc := func(b []byte) uint32 {
		addr, err := arena.Allocate(ctx, uint32(len(b)))
		require.NoError(t, err)
		require.True(t, arena.Write(addr, b))
		return addr
	}
	text := alloc([]byte("catapple"))
	slots := func(vals ...uint64) []byte {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			eng.Encoding.Put(b[8*i:], v)
		}
		return b
	}
	validity := alloc([]byte{1, 1})
	data := alloc(slots(uint64(text), uint64(text)+3))
	lengths := alloc(slots(3, 5))

	desc := []byte(`{"rows":2,"args":[{"logicalType":"VARCHAR","physicalType":"VARCHAR","validityBuffer":0,"dataBuffer":1,"lengthBuffer":2}],"ret":{"logicalType":"BIGINT","physicalType":"INT64"}}`)
	call, err := eng.PrepareRaw(ctx, 1, desc, []uint64{uint64(validity), uint64(data), uint64(lengths)})
	require.NoError(t, err)

	res, err := bridge.Invoke(ctx, eng.Arena, call)
	require.NoError(t, err)
	require.Equal(t, []any{"cat", "apple"}, got)

	out, err := eng.Read(call, wasmudf.TypeInt64, 2, res.Pool)
	require.NoError(t, err)
	require.Equal(t, []any{int64(3), int64(5)}, out.Values)
}

func TestVarcharResultLayout(t *testing.T) {
	ctx := context.Background()
	r := wasmudf.NewRegistry()
	wasmudf.RegisterFunc1(r, 1, "repeat_x", func(n int32) (string, error) {
		b := make([]byte, n)
		for i := range b {
			b[i] = 'a' + byte(n) - 1
		}
		return string(b), nil
	})
	bridge := wasmudf.NewBridge(r)

	eng := udftest.NewEngine(1 << 12)
	call, err := eng.Prepare(ctx, udftest.Request{
		FunctionID: 1,
		Return:     wasmudf.TypeVarchar,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(1), int32(2), int32(3))},
	})
	require.NoError(t, err)

	res, err := bridge.Invoke(ctx, eng.Arena, call)
	require.NoError(t, err)
	require.Equal(t, uint32(6), res.PoolLen)

	lengths := wasmudf.NewView(eng.Arena, res.Lengths, wasmudf.TypeUInt64, 3)
	offsets := wasmudf.NewView(eng.Arena, res.Data, wasmudf.TypeUInt64, 3)
	for i, want := range [][2]uint64{{1, 0}, {2, 1}, {3, 3}} {
		n, err := lengths.Slot(eng.Encoding, i)
		require.NoError(t, err)
		off, err := offsets.Slot(eng.Encoding, i)
		require.NoError(t, err)
		require.Equal(t, want, [2]uint64{n, off}, "row %d", i)
	}
	require.Equal(t, []byte("abbccc"), readBytes(t, eng.Arena, res.Pool, 6))
}

func TestUnknownFunctionAllocatesOnlyTheMessage(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 12)
	arena := eng.Arena.(*wasmudf.BufferArena)

	call, err := eng.Prepare(ctx, udftest.Request{FunctionID: 404, Return: wasmudf.TypeInt32, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(1))}})
	require.NoError(t, err)
	before := arena.Allocations()

	res, err := bridge.Invoke(ctx, arena, call)
	require.Nil(t, res)
	require.ErrorIs(t, err, wasmudf.ErrUnknownFunction)
	require.Equal(t, before+1, arena.Allocations())

	resp, err := wasmudf.ReadResponse(arena, eng.Encoding, call.ResponseAddr)
	require.NoError(t, err)
	require.Equal(t, wasmudf.StatusError, resp.Status)
	msg, err := resp.ErrorMessage(arena)
	require.NoError(t, err)
	require.Contains(t, msg, "404")
}

func TestCallbackFaultAbortsWholeCall(t *testing.T) {
	ctx := context.Background()
	bridge := newTestBridge()
	eng := udftest.NewEngine(1 << 12)
	arena := eng.Arena.(*wasmudf.BufferArena)

	call, err := eng.Prepare(ctx, udftest.Request{
		FunctionID: fnFail,
		Return:     wasmudf.TypeInt64,
		Args:       []udftest.Column{udftest.Col(wasmudf.TypeInt64, int64(1), int64(2), int64(-3), int64(4))},
	})
	require.NoError(t, err)
	before := arena.Allocations()

	res, err := bridge.Invoke(ctx, arena, call)
	require.Nil(t, res)
	var be *wasmudf.BridgeError
	require.True(t, errors.As(err, &be))
	require.Equal(t, wasmudf.KindCallbackException, be.Kind)
	require.Equal(t, 2, be.Row)
	// data, validity and the message; never a bundle
	require.Equal(t, before+3, arena.Allocations())

	out, err := eng.Read(call, wasmudf.TypeInt64, 4, 0)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Contains(t, out.Message, "failed on row 2: negative input -3")
	require.Equal(t, [3]uint32{}, out.Bundle)
}

func TestUnsignedCallbackResultForFloatingReturns(t *testing.T) {
	ctx := context.Background()
	r := wasmudf.NewRegistry()
	r.Register(1, func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return uint32(args[0].(int32)), nil
	})
	r.Register(2, func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return int16(args[0].(int32)), nil
	})
	bridge := wasmudf.NewBridge(r)

	for _, tc := range []struct {
		id   wasmudf.FunctionID
		ret  wasmudf.PhysicalType
		want []any
	}{
		{1, wasmudf.TypeDouble, []any{5.0, nil}},
		{1, wasmudf.TypeFloat, []any{float32(5), nil}},
		{2, wasmudf.TypeDouble, []any{5.0, nil}},
	} {
		eng := udftest.NewEngine(1 << 12)
		out, err := eng.Run(ctx, bridge, udftest.Request{
			FunctionID: tc.id,
			Return:     tc.ret,
			Args:       []udftest.Column{udftest.Col(wasmudf.TypeInt32, int32(5), nil)},
		})
		require.NoError(t, err)
		require.True(t, out.OK, out.Message)
		require.Equal(t, tc.want, out.Values)
	}
}
