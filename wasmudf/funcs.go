// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"fmt"
	"reflect"
)

// Scalar is the set of Go types that map one-to-one onto a PhysicalType.
type Scalar interface {
	uint8 | int8 | int32 | float32 | int64 | uint64 | float64 | string
}

// typeFor returns the physical type for T. Scalar is closed, so the lookup
// cannot fail for an instantiated type parameter.
func typeFor[T Scalar]() PhysicalType {
	t, err := physicalTypeOf(reflect.TypeFor[T]())
	if err != nil {
		panic(fmt.Sprintf("wasmudf: %v", err))
	}
	return t
}

func argAs[T Scalar](args []any, i int) (T, error) {
	v, ok := args[i].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("argument %d: got %T, want %T", i, args[i], zero)
	}
	return v, nil
}

func anyNull(args []any) bool {
	for _, a := range args {
		if a == nil {
			return true
		}
	}
	return false
}

// Func1 adapts a one-argument function. A NULL argument yields NULL without
// calling f.
func Func1[A, R Scalar](f func(A) (R, error)) ScalarFunc {
	return func(args []any) (any, error) {
		if anyNull(args) {
			return nil, nil
		}
		a, err := argAs[A](args, 0)
		if err != nil {
			return nil, err
		}
		return f(a)
	}
}

// Func2 adapts a two-argument function with the same NULL rule as Func1.
func Func2[A, B, R Scalar](f func(A, B) (R, error)) ScalarFunc {
	return func(args []any) (any, error) {
		if anyNull(args) {
			return nil, nil
		}
		a, err := argAs[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAs[B](args, 1)
		if err != nil {
			return nil, err
		}
		return f(a, b)
	}
}

// Func3 adapts a three-argument function with the same NULL rule as Func1.
func Func3[A, B, C, R Scalar](f func(A, B, C) (R, error)) ScalarFunc {
	return func(args []any) (any, error) {
		if anyNull(args) {
			return nil, nil
		}
		a, err := argAs[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAs[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := argAs[C](args, 2)
		if err != nil {
			return nil, err
		}
		return f(a, b, c)
	}
}

// NullableFunc1 adapts a function that sees NULL as a nil pointer and may
// return nil to produce NULL.
func NullableFunc1[A, R Scalar](f func(*A) (*R, error)) ScalarFunc {
	return func(args []any) (any, error) {
		var in *A
		if args[0] != nil {
			a, err := argAs[A](args, 0)
			if err != nil {
				return nil, err
			}
			in = &a
		}
		out, err := f(in)
		if err != nil || out == nil {
			return nil, err
		}
		return *out, nil
	}
}

// RegisterFunc1 registers f under id with its signature taken from the Go
// types. It panics on registration errors, like the other Register helpers.
func RegisterFunc1[A, R Scalar](r *Registry, id FunctionID, name string, f func(A) (R, error)) {
	mustRegister(r, Function{
		ID: id, Name: name,
		Args:   []PhysicalType{typeFor[A]()},
		Return: typeFor[R](),
		Fn:     Func1(f),
	})
}

// RegisterFunc2 is RegisterFunc1 for two arguments.
func RegisterFunc2[A, B, R Scalar](r *Registry, id FunctionID, name string, f func(A, B) (R, error)) {
	mustRegister(r, Function{
		ID: id, Name: name,
		Args:   []PhysicalType{typeFor[A](), typeFor[B]()},
		Return: typeFor[R](),
		Fn:     Func2(f),
	})
}

// RegisterFunc3 is RegisterFunc1 for three arguments.
func RegisterFunc3[A, B, C, R Scalar](r *Registry, id FunctionID, name string, f func(A, B, C) (R, error)) {
	mustRegister(r, Function{
		ID: id, Name: name,
		Args:   []PhysicalType{typeFor[A](), typeFor[B](), typeFor[C]()},
		Return: typeFor[R](),
		Fn:     Func3(f),
	})
}

// RegisterNullableFunc1 registers a NullableFunc1 under id.
func RegisterNullableFunc1[A, R Scalar](r *Registry, id FunctionID, name string, f func(*A) (*R, error)) {
	mustRegister(r, Function{
		ID: id, Name: name,
		Args:   []PhysicalType{typeFor[A]()},
		Return: typeFor[R](),
		Fn:     NullableFunc1(f),
	})
}

func mustRegister(r *Registry, f Function) {
	if err := r.RegisterFunction(f); err != nil {
		panic(fmt.Sprintf("wasmudf: registering %q: %v", f.Name, err))
	}
}
