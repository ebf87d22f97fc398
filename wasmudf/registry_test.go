// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func identity(args []any) (any, error) { return args[0], nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.Zero(t, r.Len())

	r.Register(7, identity)
	r.Register(3, identity)
	require.NoError(t, r.RegisterFunction(Function{ID: 5, Name: "twice", Args: []PhysicalType{TypeInt32}, Return: TypeInt32, Fn: identity}))
	require.Equal(t, 3, r.Len())

	fn, ok := r.Resolve(5)
	require.True(t, ok)
	require.Equal(t, "twice", fn.Name)

	var ids []FunctionID
	for _, f := range r.Functions() {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []FunctionID{3, 5, 7}, ids)

	r.Unregister(5)
	r.Unregister(99)
	_, ok = r.Resolve(5)
	require.False(t, ok)
	require.Equal(t, 2, r.Len())
}

func TestRegistryRejectsBadFunctions(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.RegisterFunction(Function{ID: 1}))
	require.Error(t, r.RegisterFunction(Function{ID: 1, Fn: identity, CtxFn: func(*CallContext, []any) (any, error) { return nil, nil }}))
	require.Error(t, r.RegisterFunction(Function{ID: 1, Fn: identity, Args: []PhysicalType{TypeInvalid}}))
	require.Panics(t, func() { r.Register(1, nil) })
	require.Panics(t, func() { r.RegisterContext(1, "x", nil) })
	require.Zero(t, r.Len())
}

func TestRegistryCopiesArgs(t *testing.T) {
	r := NewRegistry()
	args := []PhysicalType{TypeInt32}
	require.NoError(t, r.RegisterFunction(Function{ID: 1, Args: args, Fn: identity}))
	args[0] = TypeDouble
	fn, _ := r.Resolve(1)
	require.Equal(t, TypeInt32, fn.Args[0])
}

func TestSignature(t *testing.T) {
	f := &Function{ID: 4, Name: "concat", Args: []PhysicalType{TypeVarchar, TypeInt32}, Return: TypeVarchar}
	require.Equal(t, "concat(VARCHAR, INT32) -> VARCHAR", f.Signature())
	require.Equal(t, "udf_9(...) -> ANY", (&Function{ID: 9}).Signature())
	require.Equal(t, "udf_2() -> INT64", (&Function{ID: 2, Args: []PhysicalType{}, Return: TypeInt64}).Signature())
}

func TestCheckSignature(t *testing.T) {
	f := &Function{ID: 4, Args: []PhysicalType{TypeInt32, TypeDouble}, Return: TypeDouble}
	require.NoError(t, f.checkSignature([]PhysicalType{TypeInt32, TypeDouble}, TypeDouble))

	err := f.checkSignature([]PhysicalType{TypeInt32}, TypeDouble)
	require.True(t, errors.Is(err, ErrInvalidDescriptor))
	require.True(t, strings.Contains(err.Error(), "called with 1 arguments"))

	err = f.checkSignature([]PhysicalType{TypeInt32, TypeFloat}, TypeDouble)
	require.True(t, errors.Is(err, ErrInvalidDescriptor))
	var be *BridgeError
	require.True(t, errors.As(err, &be))
	require.Equal(t, 1, be.Arg)

	require.Error(t, f.checkSignature([]PhysicalType{TypeInt32, TypeDouble}, TypeInt64))

	untyped := &Function{ID: 5}
	require.NoError(t, untyped.checkSignature([]PhysicalType{TypeVarchar}, TypeUInt8))
}
