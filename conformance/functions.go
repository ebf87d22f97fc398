// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Query-farm/wasm-udf/wasmudf"
)

// Function ids of the conformance fixtures.
const (
	AddInt32 wasmudf.FunctionID = iota + 1
	NegateInt8
	IncrementUInt8
	ScaleFloat
	AddInt64
	MultiplyUInt64
	Hypot
	Upper
	Length
	Repeat
	CoalesceZero
	NullIfEmpty
	RaiseError
	Panic
	LogRows
	Echo
	NarrowInt8
	Concat3
)

// RegisterFunctions registers all conformance functions on reg.
func RegisterFunctions(reg *wasmudf.Registry) {
	// Fixed-width types
	wasmudf.RegisterFunc2(reg, AddInt32, "add_int32", addInt32)
	wasmudf.RegisterFunc1(reg, NegateInt8, "negate_int8", negateInt8)
	wasmudf.RegisterFunc1(reg, IncrementUInt8, "increment_uint8", incrementUInt8)
	wasmudf.RegisterFunc2(reg, ScaleFloat, "scale_float", scaleFloat)
	wasmudf.RegisterFunc2(reg, AddInt64, "add_int64", addInt64)
	wasmudf.RegisterFunc2(reg, MultiplyUInt64, "multiply_uint64", multiplyUInt64)
	wasmudf.RegisterFunc2(reg, Hypot, "hypot", hypot)

	// Text
	wasmudf.RegisterFunc1(reg, Upper, "upper", upper)
	wasmudf.RegisterFunc1(reg, Length, "length", length)
	wasmudf.RegisterFunc2(reg, Repeat, "repeat", repeat)
	wasmudf.RegisterFunc3(reg, Concat3, "concat3", concat3)

	// NULL handling
	wasmudf.RegisterNullableFunc1(reg, CoalesceZero, "coalesce_zero", coalesceZero)
	wasmudf.RegisterNullableFunc1(reg, NullIfEmpty, "null_if_empty", nullIfEmpty)

	// Failures
	wasmudf.RegisterFunc1(reg, RaiseError, "raise_error", raiseError)
	wasmudf.RegisterFunc1(reg, Panic, "panic", panicking)
	mustRegister(reg, wasmudf.Function{
		ID: NarrowInt8, Name: "narrow_int8",
		Args:   []wasmudf.PhysicalType{wasmudf.TypeInt64},
		Return: wasmudf.TypeInt8,
		Fn:     func(args []any) (any, error) { return args[0], nil },
	})

	// Logging and untyped callbacks
	reg.RegisterContext(LogRows, "log_rows", logRows)
	reg.Register(Echo, func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, errors.New("echo needs an argument")
		}
		return args[0], nil
	})
}

func mustRegister(reg *wasmudf.Registry, f wasmudf.Function) {
	if err := reg.RegisterFunction(f); err != nil {
		panic(fmt.Sprintf("conformance: registering %s: %v", f.Name, err))
	}
}

// --- Implementations ---

func addInt32(a, b int32) (int32, error) { return a + b, nil }

func negateInt8(a int8) (int8, error) { return -a, nil }

func incrementUInt8(a uint8) (uint8, error) {
	if a == math.MaxUint8 {
		return 0, fmt.Errorf("increment of %d overflows UINT8", a)
	}
	return a + 1, nil
}

func scaleFloat(v, factor float32) (float32, error) { return v * factor, nil }

func addInt64(a, b int64) (int64, error) { return a + b, nil }

func multiplyUInt64(a, b uint64) (uint64, error) { return a * b, nil }

func hypot(a, b float64) (float64, error) { return math.Hypot(a, b), nil }

func upper(s string) (string, error) { return strings.ToUpper(s), nil }

func length(s string) (int64, error) { return int64(len(s)), nil }

func repeat(s string, n int32) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("negative repeat count %d", n)
	}
	return strings.Repeat(s, int(n)), nil
}

func concat3(a, b, c string) (string, error) { return a + b + c, nil }

func coalesceZero(v *int64) (*int64, error) {
	if v == nil {
		var zero int64
		return &zero, nil
	}
	return v, nil
}

func nullIfEmpty(s *string) (*string, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	return s, nil
}

func raiseError(msg string) (string, error) { return "", errors.New(msg) }

func panicking(v int64) (int64, error) {
	panic("panic at value " + strconv.FormatInt(v, 10))
}

func logRows(cc *wasmudf.CallContext, args []any) (any, error) {
	if args[0] == nil {
		cc.Log(wasmudf.LogWarn, "NULL input")
		return nil, nil
	}
	cc.Log(wasmudf.LogInfo, fmt.Sprintf("row %d", cc.Row),
		wasmudf.KV{Key: "value", Value: fmt.Sprint(args[0])})
	return args[0], nil
}
