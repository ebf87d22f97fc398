// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds the functions and inputs used to measure the
// bridge's per-call and per-row overhead.
package benchmark

import (
	"fmt"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/Query-farm/wasm-udf/wasmudf/udftest"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Benchmark function ids.
const (
	Noop wasmudf.FunctionID = iota + 1
	Add
	Greet
)

// RegisterFunctions registers the benchmark functions on reg.
func RegisterFunctions(reg *wasmudf.Registry) {
	wasmudf.RegisterFunc1(reg, Noop, "noop", noop)
	wasmudf.RegisterFunc2(reg, Add, "add", add)
	wasmudf.RegisterFunc1(reg, Greet, "greet", greet)
}

func noop(v int64) (int64, error) { return v, nil }

func add(a, b float64) (float64, error) { return a + b, nil }

func greet(name string) (string, error) { return "Hello, " + name + "!", nil }

// NoopRequest returns a call to noop over rows values.
func NoopRequest(rows int) udftest.Request {
	vals := make([]any, rows)
	for i := range vals {
		vals[i] = int64(i)
	}
	return udftest.Request{FunctionID: Noop, Return: wasmudf.TypeInt64, Args: []udftest.Column{udftest.Col(wasmudf.TypeInt64, vals...)}}
}

// AddRequest returns a call to add over rows pairs. Every tenth row is NULL.
func AddRequest(rows int) udftest.Request {
	a := make([]any, rows)
	b := make([]any, rows)
	for i := range a {
		if i%10 == 9 {
			continue
		}
		a[i] = float64(i)
		b[i] = 0.5
	}
	return udftest.Request{FunctionID: Add, Return: wasmudf.TypeDouble, Args: []udftest.Column{
		udftest.Col(wasmudf.TypeDouble, a...),
		udftest.Col(wasmudf.TypeDouble, b...),
	}}
}

// GreetRequest returns a call to greet over rows names.
func GreetRequest(rows int) udftest.Request {
	names := make([]any, rows)
	for i := range names {
		names[i] = fmt.Sprintf("user-%d", i)
	}
	return udftest.Request{FunctionID: Greet, Return: wasmudf.TypeVarchar, Args: []udftest.Column{udftest.Col(wasmudf.TypeVarchar, names...)}}
}

// AddBatch builds the Arrow equivalent of AddRequest. The caller must
// release it.
func AddBatch(mem memory.Allocator, rows int) arrow.RecordBatch {
	a := array.NewFloat64Builder(mem)
	defer a.Release()
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	for i := 0; i < rows; i++ {
		if i%10 == 9 {
			a.AppendNull()
			b.AppendNull()
			continue
		}
		a.Append(float64(i))
		b.Append(0.5)
	}
	schema, err := wasmudf.ArgumentSchema([]wasmudf.PhysicalType{wasmudf.TypeDouble, wasmudf.TypeDouble}, wasmudf.TypeDouble)
	if err != nil {
		panic(err)
	}
	cols := []arrow.Array{a.NewArray(), b.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()
	return array.NewRecordBatch(schema, cols, int64(rows))
}

// GreetBatch builds the Arrow equivalent of GreetRequest. The caller must
// release it.
func GreetBatch(mem memory.Allocator, rows int) arrow.RecordBatch {
	bld := array.NewStringBuilder(mem)
	defer bld.Release()
	for i := 0; i < rows; i++ {
		bld.Append(fmt.Sprintf("user-%d", i))
	}
	schema, err := wasmudf.ArgumentSchema([]wasmudf.PhysicalType{wasmudf.TypeVarchar}, wasmudf.TypeVarchar)
	if err != nil {
		panic(err)
	}
	col := bld.NewArray()
	defer col.Release()
	return array.NewRecordBatch(schema, []arrow.Array{col}, int64(rows))
}
