// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
)

// resultField is the single column of every result stream.
const resultField = "result"

// ResultSchema returns the schema of result batches for return type t.
func ResultSchema(t PhysicalType) (*arrow.Schema, error) {
	dt, err := t.ArrowType()
	if err != nil {
		return nil, err
	}
	meta := arrow.NewMetadata([]string{MetaReturnType}, []string{t.String()})
	return arrow.NewSchema([]arrow.Field{{Name: resultField, Type: dt, Nullable: true}}, &meta), nil
}

// ArgumentSchema returns the request schema for a function signature. Fields
// are named arg0, arg1, ... and the return type is carried in the schema
// metadata.
func ArgumentSchema(args []PhysicalType, ret PhysicalType) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(args))
	for i, t := range args {
		dt, err := t.ArrowType()
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		fields[i] = arrow.Field{Name: fmt.Sprintf("arg%d", i), Type: dt, Nullable: true}
	}
	keys := []string{MetaRequestVersion}
	vals := []string{ProtocolVersion}
	if ret != TypeInvalid {
		keys = append(keys, MetaReturnType)
		vals = append(vals, ret.String())
	}
	meta := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &meta), nil
}

// requestReturnType reads the return type from schema metadata. A missing key
// yields TypeInvalid.
func requestReturnType(schema *arrow.Schema) (PhysicalType, error) {
	md := schema.Metadata()
	tag, ok := md.GetValue(MetaReturnType)
	if !ok {
		return TypeInvalid, nil
	}
	var t PhysicalType
	if err := t.UnmarshalText([]byte(tag)); err != nil {
		return TypeInvalid, err
	}
	return t, nil
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		bld := array.NewBuilder(mem, f.Type)
		cols[i] = bld.NewArray()
		bld.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// writeMetaBatch writes a zero-row batch carrying only metadata.
func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string) error {
	batch := emptyBatch(schema)
	defer batch.Release()

	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer withMeta.Release()
	return w.Write(withMeta)
}

// writeLogBatch writes a callback log message as a zero-row batch.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaCallID}
	vals := []string{string(msg.Level), msg.Message, msg.CallID}

	extras := map[string]any{"row": msg.Row}
	for k, v := range msg.Extras {
		extras[k] = v
	}
	extraJSON, err := json.Marshal(extras)
	if err != nil {
		extraJSON = []byte(`{}`)
	}
	keys = append(keys, MetaLogExtra)
	vals = append(vals, string(extraJSON))
	return writeMetaBatch(w, schema, keys, vals)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{logException, err.Error(), buildErrorExtra(err, debug)}
	var be *BridgeError
	if errors.As(err, &be) {
		keys = append(keys, MetaFunctionID)
		vals = append(vals, strconv.FormatUint(uint64(be.FunctionID), 10))
	}
	return writeMetaBatch(w, schema, keys, vals)
}

// WriteErrorResponse writes a complete IPC stream containing just an error
// batch.
func WriteErrorResponse(w io.Writer, schema *arrow.Schema, err error, debug bool) error {
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	return writeErrorBatch(writer, schema, err, debug)
}

// BatchError returns the error carried by an error batch, or nil for a data
// or log batch.
func BatchError(batch arrow.RecordBatch) error {
	rb, ok := batch.(arrow.RecordBatchWithMetadata)
	if !ok {
		return nil
	}
	md := rb.Metadata()
	if level, _ := md.GetValue(MetaLogLevel); level != logException {
		return nil
	}
	msg, _ := md.GetValue(MetaLogMessage)
	extraJSON, _ := md.GetValue(MetaLogExtra)

	var extra errorExtra
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return &BridgeError{Kind: KindInternal, Message: msg, Row: -1, Arg: -1}
	}
	return &BridgeError{
		Kind:       ErrorKind(extra.ExceptionType),
		Message:    extra.ExceptionMessage,
		FunctionID: extra.FunctionID,
		Row:        extra.Row,
		Arg:        -1,
		Traceback:  formatFrames(extra.Frames),
	}
}
