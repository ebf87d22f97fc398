// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuncAdapters(t *testing.T) {
	add := Func2(func(a, b int32) (int64, error) { return int64(a) + int64(b), nil })
	out, err := add([]any{int32(2), int32(3)})
	require.NoError(t, err)
	require.Equal(t, int64(5), out)

	out, err = add([]any{int32(2), nil})
	require.NoError(t, err)
	require.Nil(t, out)

	_, err = add([]any{int32(2), "3"})
	require.Error(t, err)

	upper := Func1(func(s string) (string, error) { return strings.ToUpper(s), nil })
	out, err = upper([]any{"abc"})
	require.NoError(t, err)
	require.Equal(t, "ABC", out)

	clamp := Func3(func(v, lo, hi float64) (float64, error) { return max(lo, min(v, hi)), nil })
	out, err = clamp([]any{5.0, 0.0, 1.0})
	require.NoError(t, err)
	require.Equal(t, 1.0, out)

	boom := Func1(func(int64) (int64, error) { return 0, errors.New("boom") })
	_, err = boom([]any{int64(1)})
	require.EqualError(t, err, "boom")
}

func TestNullableFunc(t *testing.T) {
	coalesce := NullableFunc1(func(v *int32) (*int32, error) {
		if v == nil {
			zero := int32(0)
			return &zero, nil
		}
		if *v < 0 {
			return nil, nil
		}
		return v, nil
	})
	out, err := coalesce([]any{nil})
	require.NoError(t, err)
	require.Equal(t, int32(0), out)

	out, err = coalesce([]any{int32(-1)})
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = coalesce([]any{int32(4)})
	require.NoError(t, err)
	require.Equal(t, int32(4), out)
}

func TestRegisterFuncDeclaresSignature(t *testing.T) {
	r := NewRegistry()
	RegisterFunc1(r, 1, "len", func(s string) (int64, error) { return int64(len(s)), nil })
	RegisterFunc2(r, 2, "pow", func(a float64, b int32) (float64, error) { return a, nil })
	RegisterFunc3(r, 3, "mix", func(a uint8, b int8, c uint64) (float32, error) { return 0, nil })
	RegisterNullableFunc1(r, 4, "nz", func(v *int64) (*int64, error) { return v, nil })

	fn, _ := r.Resolve(1)
	require.Equal(t, "len(VARCHAR) -> INT64", fn.Signature())
	fn, _ = r.Resolve(2)
	require.Equal(t, "pow(DOUBLE, INT32) -> DOUBLE", fn.Signature())
	fn, _ = r.Resolve(3)
	require.Equal(t, "mix(UINT8, INT8, UINT64) -> FLOAT", fn.Signature())
	fn, _ = r.Resolve(4)
	require.Equal(t, "nz(INT64) -> INT64", fn.Signature())
}
