// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/Query-farm/wasm-udf/wasmudf/udftest"
)

// Case is one call against the conformance functions. A case either expects
// Want, one value per row, or a failure whose message starts with WantError.
type Case struct {
	Name      string
	Request   udftest.Request
	Want      []any
	WantError string
}

// CaseResult is the outcome of running one Case.
type CaseResult struct {
	Name    string
	Outcome *udftest.Outcome
	Err     error
}

// Passed reports whether the case produced its expected outcome.
func (r CaseResult) Passed() bool { return r.Err == nil }

// DefaultArenaSize is the arena size RunCases uses per case.
const DefaultArenaSize = 1 << 16

// Cases returns the conformance calls. Each call builds fresh requests.
func Cases() []Case {
	col := udftest.Col
	return []Case{
		{
			Name:    "add_int32",
			Request: udftest.Request{FunctionID: AddInt32, Return: wasmudf.TypeInt32, Args: []udftest.Column{col(wasmudf.TypeInt32, int32(1), int32(-7), nil), col(wasmudf.TypeInt32, int32(2), int32(7), int32(3))}},
			Want:    []any{int32(3), int32(0), nil},
		},
		{
			Name:    "negate_int8",
			Request: udftest.Request{FunctionID: NegateInt8, Return: wasmudf.TypeInt8, Args: []udftest.Column{col(wasmudf.TypeInt8, int8(5), int8(-128+1))}},
			Want:    []any{int8(-5), int8(127)},
		},
		{
			Name:    "increment_uint8",
			Request: udftest.Request{FunctionID: IncrementUInt8, Return: wasmudf.TypeUInt8, Args: []udftest.Column{col(wasmudf.TypeUInt8, uint8(0), uint8(254))}},
			Want:    []any{uint8(1), uint8(255)},
		},
		{
			Name:      "increment_uint8_overflow",
			Request:   udftest.Request{FunctionID: IncrementUInt8, Return: wasmudf.TypeUInt8, Args: []udftest.Column{col(wasmudf.TypeUInt8, uint8(1), uint8(255))}},
			WantError: "CallbackException: ",
		},
		{
			Name:    "scale_float",
			Request: udftest.Request{FunctionID: ScaleFloat, Return: wasmudf.TypeFloat, Args: []udftest.Column{col(wasmudf.TypeFloat, float32(1.5), float32(-0.25)), col(wasmudf.TypeFloat, float32(2), float32(4))}},
			Want:    []any{float32(3), float32(-1)},
		},
		{
			Name:    "add_int64",
			Request: udftest.Request{FunctionID: AddInt64, Return: wasmudf.TypeInt64, Args: []udftest.Column{col(wasmudf.TypeInt64, int64(1) << 40, int64(-1)), col(wasmudf.TypeInt64, int64(1), int64(-1))}},
			Want:    []any{int64(1)<<40 + 1, int64(-2)},
		},
		{
			Name:    "multiply_uint64",
			Request: udftest.Request{FunctionID: MultiplyUInt64, Return: wasmudf.TypeUInt64, Args: []udftest.Column{col(wasmudf.TypeUInt64, uint64(1) << 62, uint64(7)), col(wasmudf.TypeUInt64, uint64(2), uint64(6))}},
			Want:    []any{uint64(1) << 63, uint64(42)},
		},
		{
			Name:    "hypot",
			Request: udftest.Request{FunctionID: Hypot, Return: wasmudf.TypeDouble, Args: []udftest.Column{col(wasmudf.TypeDouble, 3.0, 5.0), col(wasmudf.TypeDouble, 4.0, 12.0)}},
			Want:    []any{5.0, 13.0},
		},
		{
			Name:    "upper",
			Request: udftest.Request{FunctionID: Upper, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "duck", nil, "", "wäsm")}},
			Want:    []any{"DUCK", nil, "", "WÄSM"},
		},
		{
			Name:    "length",
			Request: udftest.Request{FunctionID: Length, Return: wasmudf.TypeInt64, Args: []udftest.Column{col(wasmudf.TypeVarchar, "abc", "", "é")}},
			Want:    []any{int64(3), int64(0), int64(2)},
		},
		{
			Name:    "repeat",
			Request: udftest.Request{FunctionID: Repeat, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "ab", "x"), col(wasmudf.TypeInt32, int32(3), int32(0))}},
			Want:    []any{"ababab", ""},
		},
		{
			Name:    "concat3",
			Request: udftest.Request{FunctionID: Concat3, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "a", "x"), col(wasmudf.TypeVarchar, "-", nil), col(wasmudf.TypeVarchar, "b", "z")}},
			Want:    []any{"a-b", nil},
		},
		{
			Name:    "empty_text_pool",
			Request: udftest.Request{FunctionID: Repeat, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "ab", "cd"), col(wasmudf.TypeInt32, int32(0), int32(0))}},
			Want:    []any{"", ""},
		},
		{
			Name:    "coalesce_zero",
			Request: udftest.Request{FunctionID: CoalesceZero, Return: wasmudf.TypeInt64, Args: []udftest.Column{col(wasmudf.TypeInt64, nil, int64(9))}},
			Want:    []any{int64(0), int64(9)},
		},
		{
			Name:    "null_if_empty",
			Request: udftest.Request{FunctionID: NullIfEmpty, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "", "kept", nil)}},
			Want:    []any{nil, "kept", nil},
		},
		{
			Name:      "zero_rows",
			Request:   udftest.Request{FunctionID: Echo, Return: wasmudf.TypeInt64},
			WantError: "InvalidDescriptor: rows must be positive",
		},
		{
			Name:    "log_rows",
			Request: udftest.Request{FunctionID: LogRows, Return: wasmudf.TypeDouble, Args: []udftest.Column{col(wasmudf.TypeDouble, 0.5, nil)}},
			Want:    []any{0.5, nil},
		},
		{
			Name:    "echo_untyped",
			Request: udftest.Request{FunctionID: Echo, Return: wasmudf.TypeInt64, Args: []udftest.Column{col(wasmudf.TypeInt32, int32(-4), int32(8))}},
			Want:    []any{int64(-4), int64(8)},
		},
		{
			Name:      "raise_error",
			Request:   udftest.Request{FunctionID: RaiseError, Return: wasmudf.TypeVarchar, Args: []udftest.Column{col(wasmudf.TypeVarchar, "boom")}},
			WantError: "CallbackException: ",
		},
		{
			Name:      "panic",
			Request:   udftest.Request{FunctionID: Panic, Return: wasmudf.TypeInt64, Args: []udftest.Column{col(wasmudf.TypeInt64, int64(1))}},
			WantError: "CallbackException: ",
		},
		{
			Name:      "narrow_int8_out_of_range",
			Request:   udftest.Request{FunctionID: NarrowInt8, Return: wasmudf.TypeInt8, Args: []udftest.Column{col(wasmudf.TypeInt64, int64(300))}},
			WantError: "CallbackException: ",
		},
		{
			Name:      "unknown_function",
			Request:   udftest.Request{FunctionID: 9999, Return: wasmudf.TypeInt32, Args: []udftest.Column{col(wasmudf.TypeInt32, int32(1))}},
			WantError: "UnknownFunctionId: Unknown UDF with id: 9999",
		},
		{
			Name:      "unsupported_return_type",
			Request:   udftest.Request{FunctionID: Echo, Return: wasmudf.TypeInvalid, ReturnTag: "DECIMAL", Args: []udftest.Column{col(wasmudf.TypeInt32, int32(1))}},
			WantError: "InvalidResultBuffer: ",
		},
		{
			Name:      "unsupported_argument_type",
			Request:   udftest.Request{FunctionID: Echo, Return: wasmudf.TypeInt32, Args: []udftest.Column{{Type: wasmudf.TypeInvalid, Tag: "INTERVAL", Values: []any{int32(1)}}}},
			WantError: "InvalidArgumentBuffer: ",
		},
	}
}

// RunCases runs every case against bridge, each in a fresh arena of
// arenaSize bytes using the bridge's slot encoding.
func RunCases(ctx context.Context, bridge *wasmudf.Bridge, arenaSize uint32) []CaseResult {
	cases := Cases()
	results := make([]CaseResult, len(cases))
	for i, c := range cases {
		engine := udftest.NewEngine(arenaSize)
		engine.Encoding = bridge.SlotEncoding()
		out, err := engine.Run(ctx, bridge, c.Request)
		results[i] = CaseResult{Name: c.Name, Outcome: out, Err: err}
		if err == nil {
			results[i].Err = c.check(out)
		}
	}
	return results
}

func (c Case) check(out *udftest.Outcome) error {
	if c.WantError != "" {
		if out.OK {
			return fmt.Errorf("expected failure %q, got values %v", c.WantError, out.Values)
		}
		if !strings.HasPrefix(out.Message, c.WantError) {
			return fmt.Errorf("expected failure %q, got %q", c.WantError, out.Message)
		}
		return nil
	}
	if !out.OK {
		return fmt.Errorf("unexpected failure: %s", out.Message)
	}
	if len(out.Values) != len(c.Want) {
		return fmt.Errorf("expected %d rows, got %d", len(c.Want), len(out.Values))
	}
	for i, want := range c.Want {
		if !reflect.DeepEqual(want, out.Values[i]) {
			return fmt.Errorf("row %d: expected %#v, got %#v", i, want, out.Values[i])
		}
	}
	return nil
}
