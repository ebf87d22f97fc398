// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// describeSchema is the schema of the describe batch: one row per
// registered function.
var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "function_id", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "signature", Type: arrow.BinaryTypes.String},
	{Name: "arg_types", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
	{Name: "return_type", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "context_aware", Type: &arrow.BooleanType{}},
	{Name: "arg_schema_ipc", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// DescribeSchema returns the schema of describe batches.
func DescribeSchema() *arrow.Schema { return describeSchema }

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// Describe builds the describe batch for the bridge's registry. Functions
// without a declared signature have null arg_types, return_type and
// arg_schema_ipc. The caller must release the batch.
func (b *Bridge) Describe() arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	funcs := b.registry.Functions()

	idBuilder := array.NewUint32Builder(mem)
	defer idBuilder.Release()

	nameBuilder := array.NewStringBuilder(mem)
	defer nameBuilder.Release()

	sigBuilder := array.NewStringBuilder(mem)
	defer sigBuilder.Release()

	argsBuilder := array.NewListBuilder(mem, arrow.BinaryTypes.String)
	defer argsBuilder.Release()
	argValues := argsBuilder.ValueBuilder().(*array.StringBuilder)

	retBuilder := array.NewStringBuilder(mem)
	defer retBuilder.Release()

	ctxBuilder := array.NewBooleanBuilder(mem)
	defer ctxBuilder.Release()

	schemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer schemaBuilder.Release()

	for _, f := range funcs {
		idBuilder.Append(uint32(f.ID))

		if f.Name != "" {
			nameBuilder.Append(f.Name)
		} else {
			nameBuilder.AppendNull()
		}

		sigBuilder.Append(f.Signature())

		if f.Args != nil {
			argsBuilder.Append(true)
			for _, t := range f.Args {
				argValues.Append(t.String())
			}
		} else {
			argsBuilder.AppendNull()
		}

		if f.Return != TypeInvalid {
			retBuilder.Append(f.Return.String())
		} else {
			retBuilder.AppendNull()
		}

		ctxBuilder.Append(f.CtxFn != nil)

		if f.Args != nil {
			schema, err := ArgumentSchema(f.Args, f.Return)
			if err != nil {
				b.log().Warn("describe: cannot build argument schema", "function_id", f.ID, "err", err)
				schemaBuilder.AppendNull()
			} else {
				schemaBuilder.Append(serializeSchema(schema))
			}
		} else {
			schemaBuilder.AppendNull()
		}
	}

	cols := []arrow.Array{
		idBuilder.NewArray(),
		nameBuilder.NewArray(),
		sigBuilder.NewArray(),
		argsBuilder.NewArray(),
		retBuilder.NewArray(),
		ctxBuilder.NewArray(),
		schemaBuilder.NewArray(),
	}
	for _, c := range cols {
		defer c.Release()
	}

	meta := arrow.NewMetadata(
		[]string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion},
		[]string{"GoWasmUdfBridge", ProtocolVersion, DescribeVersion},
	)
	return array.NewRecordBatchWithMetadata(describeSchema, cols, int64(len(funcs)), meta)
}
