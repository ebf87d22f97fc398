// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowColumn adapts an Arrow array to the row loop.
type arrowColumn struct {
	arr arrow.Array
}

func (c arrowColumn) valid(row int) bool { return c.arr.IsValid(row) }

func (c arrowColumn) value(row int) any {
	switch a := c.arr.(type) {
	case *array.Uint8:
		return a.Value(row)
	case *array.Int8:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Uint64:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	default:
		return nil
	}
}

// builderSink appends results to an Arrow builder. The row loop delivers rows
// in order, so appending keeps rows aligned.
type builderSink struct {
	b array.Builder
}

func (s builderSink) setNull(int) { s.b.AppendNull() }

func (s builderSink) set(_ int, v any) error {
	switch b := s.b.(type) {
	case *array.Uint8Builder:
		n, err := toInt64(v)
		if err == nil {
			err = checkIntRange(TypeUInt8, n)
		}
		if err != nil {
			return err
		}
		b.Append(uint8(n))
	case *array.Int8Builder:
		n, err := toInt64(v)
		if err == nil {
			err = checkIntRange(TypeInt8, n)
		}
		if err != nil {
			return err
		}
		b.Append(int8(n))
	case *array.Int32Builder:
		n, err := toInt64(v)
		if err == nil {
			err = checkIntRange(TypeInt32, n)
		}
		if err != nil {
			return err
		}
		b.Append(int32(n))
	case *array.Float32Builder:
		f, err := toFloat32(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Uint64Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.StringBuilder:
		t, err := toText(v)
		if err != nil {
			return err
		}
		b.Append(t)
	default:
		return fmt.Errorf("unsupported builder %T", s.b)
	}
	return nil
}

// EvaluateBatch runs function id over the columns of batch and returns the
// result column. Column i of the batch is argument i. ret selects the result
// type; TypeInvalid uses the function's declared return type. NULL handling
// and error kinds match Invoke. The caller must release the returned array.
func (b *Bridge) EvaluateBatch(ctx context.Context, id FunctionID, batch arrow.RecordBatch, ret PhysicalType) (arrow.Array, error) {
	out, _, err := b.evaluateBatch(ctx, id, batch, ret, TransportArrow, nil)
	return out, err
}

// evaluateBatch is EvaluateBatch with transport details. It also returns
// the messages logged by the callback.
func (b *Bridge) evaluateBatch(ctx context.Context, id FunctionID, batch arrow.RecordBatch, ret PhysicalType,
	transport string, meta map[string]string) (arrow.Array, []LogMessage, error) {
	ctx, d := b.startDispatch(ctx, DispatchInfo{FunctionID: id, Transport: transport, TransportMetadata: meta})
	out, err := guard(id, func() (arrow.Array, error) {
		return b.evaluate(d, id, batch, ret)
	})
	logs := b.endDispatch(ctx, d, err)
	return out, logs, err
}

func (b *Bridge) evaluate(d *dispatch, id FunctionID, batch arrow.RecordBatch, ret PhysicalType) (arrow.Array, error) {
	fn, ok := b.registry.Resolve(id)
	if !ok {
		return nil, newError(KindUnknownFunction, id, "Unknown UDF with id: %d", id)
	}
	if ret == TypeInvalid {
		ret = fn.Return
	}
	dt, err := ret.ArrowType()
	if err != nil {
		return nil, newError(KindInvalidResultBuffer, id, "unsupported return physical type %s", ret)
	}
	if batch.NumRows() > math.MaxInt32 {
		return nil, newError(KindInvalidArgumentBuffer, id, "batch of %d rows is too large", batch.NumRows())
	}
	rows := int(batch.NumRows())

	cols := make([]column, batch.NumCols())
	types := make([]PhysicalType, batch.NumCols())
	for i, arr := range batch.Columns() {
		t, err := PhysicalTypeFromArrow(arr.DataType())
		if err != nil {
			return nil, argumentError(id, i, "%v", err)
		}
		cols[i], types[i] = arrowColumn{arr: arr}, t
	}
	d.stats.RecordArguments(int64(rows), batchBufferSize(batch))
	if err := fn.checkSignature(types, ret); err != nil {
		return nil, err
	}

	bld := array.NewBuilder(b.arrowAllocator(), dt)
	defer bld.Release()
	bld.Reserve(rows)

	sink := &countingSink{resultSink: builderSink{b: bld}}
	loop := rowLoop{fn: fn, cc: d.cc, trace: b.debugErrors}
	if err := loop.run(cols, rows, sink); err != nil {
		return nil, err
	}
	d.stats.NullResults += sink.nulls

	out := bld.NewArray()
	d.stats.RecordResult(arrayBufferSize(out), 1)
	return out, nil
}

func (b *Bridge) arrowAllocator() memory.Allocator {
	if b.arrowMem != nil {
		return b.arrowMem
	}
	return memory.DefaultAllocator
}

// SetArrowAllocator sets the Arrow allocator used for result arrays built by
// EvaluateBatch and the HTTP transport. Defaults to memory.DefaultAllocator.
func (b *Bridge) SetArrowAllocator(mem memory.Allocator) {
	b.arrowMem = mem
}
