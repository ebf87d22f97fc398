// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package udftest plays the engine side of a scalar UDF call. It lays out
// argument columns, a pointer table and a descriptor in an arena the way the
// engine does, and decodes the response record and result buffers afterwards.
// It is used by the bridge's tests, benchmarks and conformance runner.
package udftest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/goccy/go-json"
)

const slotWidth = 8

// Column is one argument column. Values holds one entry per row and nil
// marks a NULL row. Tag, when set, replaces the wire tag of Type.
type Column struct {
	Type   wasmudf.PhysicalType
	Tag    string
	Values []any
}

// Col is shorthand for a Column of type t.
func Col(t wasmudf.PhysicalType, values ...any) Column {
	return Column{Type: t, Values: values}
}

// Request is one call as the engine would issue it.
type Request struct {
	FunctionID wasmudf.FunctionID
	// Rows defaults to the length of the first column.
	Rows      int
	Return    wasmudf.PhysicalType
	ReturnTag string
	Args      []Column
}

func (r Request) rows() int {
	if r.Rows != 0 || len(r.Args) == 0 {
		return r.Rows
	}
	return len(r.Args[0].Values)
}

// Engine owns an arena and the slot encoding shared with the bridge.
type Engine struct {
	Arena    wasmudf.Arena
	Encoding wasmudf.SlotEncoding
}

// NewEngine creates an engine over a fresh BufferArena of size bytes.
func NewEngine(size uint32) *Engine {
	return &Engine{Arena: wasmudf.NewBufferArena(size)}
}

type wireArgument struct {
	LogicalType    string `json:"logicalType"`
	PhysicalType   string `json:"physicalType"`
	ValidityBuffer int    `json:"validityBuffer"`
	DataBuffer     int    `json:"dataBuffer"`
	LengthBuffer   *int   `json:"lengthBuffer,omitempty"`
}

type wireReturn struct {
	LogicalType  string `json:"logicalType"`
	PhysicalType string `json:"physicalType"`
}

type wireSchema struct {
	Rows int            `json:"rows"`
	Args []wireArgument `json:"args"`
	Ret  wireReturn     `json:"ret"`
}

func tagOf(t wasmudf.PhysicalType, tag string) string {
	if tag != "" {
		return tag
	}
	return t.String()
}

// alloc allocates and fills a buffer.
func (e *Engine) alloc(ctx context.Context, b []byte) (uint32, error) {
	addr, err := e.Arena.Allocate(ctx, uint32(len(b)))
	if err != nil {
		return 0, err
	}
	if !e.Arena.Write(addr, b) {
		return 0, fmt.Errorf("writing %d bytes at %d", len(b), addr)
	}
	return addr, nil
}

func (e *Engine) slots(vals ...uint64) []byte {
	b := make([]byte, len(vals)*slotWidth)
	for i, v := range vals {
		e.Encoding.Put(b[i*slotWidth:], v)
	}
	return b
}

// Prepare lays out req in the arena and returns the call to hand to the
// bridge, including a zeroed response record.
func (e *Engine) Prepare(ctx context.Context, req Request) (wasmudf.Call, error) {
	rows := req.rows()
	schema := wireSchema{
		Rows: rows,
		Args: make([]wireArgument, len(req.Args)),
		Ret:  wireReturn{LogicalType: tagOf(req.Return, req.ReturnTag), PhysicalType: tagOf(req.Return, req.ReturnTag)},
	}
	var pointers []uint64
	for i, col := range req.Args {
		validity, data, lengths, err := e.layoutColumn(ctx, col, rows)
		if err != nil {
			return wasmudf.Call{}, fmt.Errorf("argument %d: %w", i, err)
		}
		wa := wireArgument{
			LogicalType:    tagOf(col.Type, col.Tag),
			PhysicalType:   tagOf(col.Type, col.Tag),
			ValidityBuffer: len(pointers),
			DataBuffer:     len(pointers) + 1,
		}
		pointers = append(pointers, uint64(validity), uint64(data))
		if col.Type == wasmudf.TypeVarchar {
			idx := len(pointers)
			wa.LengthBuffer = &idx
			pointers = append(pointers, uint64(lengths))
		}
		schema.Args[i] = wa
	}

	desc, err := json.Marshal(schema)
	if err != nil {
		return wasmudf.Call{}, err
	}
	return e.PrepareRaw(ctx, req.FunctionID, desc, pointers)
}

// PrepareRaw writes a descriptor text and pointer table as given, for calls
// that Prepare cannot express.
func (e *Engine) PrepareRaw(ctx context.Context, id wasmudf.FunctionID, desc []byte, pointers []uint64) (wasmudf.Call, error) {
	call := wasmudf.Call{FunctionID: id, DescriptorLen: uint32(len(desc)), PointersLen: uint32(len(pointers) * slotWidth)}
	var err error
	if call.DescriptorAddr, err = e.alloc(ctx, desc); err != nil {
		return call, fmt.Errorf("descriptor: %w", err)
	}
	if call.PointersAddr, err = e.alloc(ctx, e.slots(pointers...)); err != nil {
		return call, fmt.Errorf("pointer table: %w", err)
	}
	if call.ResponseAddr, err = e.alloc(ctx, make([]byte, wasmudf.ResponseSize)); err != nil {
		return call, fmt.Errorf("response record: %w", err)
	}
	return call, nil
}

// layoutColumn writes the validity, data and, for VARCHAR, length buffers of
// one column. VARCHAR data slots hold absolute addresses of each row's text.
func (e *Engine) layoutColumn(ctx context.Context, col Column, rows int) (validity, data, lengths uint32, err error) {
	if len(col.Values) < rows {
		return 0, 0, 0, fmt.Errorf("%d values for %d rows", len(col.Values), rows)
	}
	width := wasmudf.WidthOf(col.Type)
	if width == 0 {
		width = slotWidth
	}
	valid := make([]byte, rows)
	buf := make([]byte, rows*width)
	var lens []uint64
	if col.Type == wasmudf.TypeVarchar {
		lens = make([]uint64, rows)
	}
	for r := 0; r < rows; r++ {
		v := col.Values[r]
		if v == nil {
			continue
		}
		valid[r] = 1
		if col.Type == wasmudf.TypeVarchar {
			s, ok := v.(string)
			if !ok {
				return 0, 0, 0, fmt.Errorf("row %d: %T is not a string", r, v)
			}
			addr, err := e.alloc(ctx, []byte(s))
			if err != nil {
				return 0, 0, 0, err
			}
			e.Encoding.Put(buf[r*slotWidth:], uint64(addr))
			lens[r] = uint64(len(s))
			continue
		}
		if err := putValue(buf[r*width:], col.Type, v); err != nil {
			return 0, 0, 0, fmt.Errorf("row %d: %w", r, err)
		}
	}
	if validity, err = e.alloc(ctx, valid); err != nil {
		return 0, 0, 0, err
	}
	if data, err = e.alloc(ctx, buf); err != nil {
		return 0, 0, 0, err
	}
	if lens != nil {
		if lengths, err = e.alloc(ctx, e.slots(lens...)); err != nil {
			return 0, 0, 0, err
		}
	}
	return validity, data, lengths, nil
}

func putValue(b []byte, t wasmudf.PhysicalType, v any) error {
	switch t {
	case wasmudf.TypeUInt8:
		x, ok := v.(uint8)
		if !ok {
			return fmt.Errorf("%T is not uint8", v)
		}
		b[0] = x
	case wasmudf.TypeInt8:
		x, ok := v.(int8)
		if !ok {
			return fmt.Errorf("%T is not int8", v)
		}
		b[0] = byte(x)
	case wasmudf.TypeInt32:
		x, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%T is not int32", v)
		}
		binary.LittleEndian.PutUint32(b, uint32(x))
	case wasmudf.TypeFloat:
		x, ok := v.(float32)
		if !ok {
			return fmt.Errorf("%T is not float32", v)
		}
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
	case wasmudf.TypeInt64:
		x, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%T is not int64", v)
		}
		binary.LittleEndian.PutUint64(b, uint64(x))
	case wasmudf.TypeUInt64:
		x, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("%T is not uint64", v)
		}
		binary.LittleEndian.PutUint64(b, x)
	case wasmudf.TypeDouble:
		x, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%T is not float64", v)
		}
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	default:
		// unknown tags keep zeroed data so the bridge sees the tag, not the bytes
	}
	return nil
}

// Outcome is a decoded response.
type Outcome struct {
	OK bool
	// Message is the error text of a failed call.
	Message string
	// Values holds one entry per row of a successful call, nil for NULL.
	Values []any
	Bundle [3]uint32
}

// Read decodes the response of call. For VARCHAR results pool must be the
// text pool address reported in wasmudf.Result.Pool, since offsets are pool
// relative and the bundle does not carry it.
func (e *Engine) Read(call wasmudf.Call, ret wasmudf.PhysicalType, rows int, pool uint32) (*Outcome, error) {
	resp, err := wasmudf.ReadResponse(e.Arena, e.Encoding, call.ResponseAddr)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case wasmudf.StatusError:
		msg, err := resp.ErrorMessage(e.Arena)
		if err != nil {
			return nil, err
		}
		return &Outcome{Message: msg}, nil
	case wasmudf.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected response status %d", resp.Status)
	}

	bundle, err := resp.Bundle(e.Arena, e.Encoding)
	if err != nil {
		return nil, err
	}
	out := &Outcome{OK: true, Bundle: bundle, Values: make([]any, rows)}
	validity := wasmudf.NewView(e.Arena, bundle[1], wasmudf.TypeUInt8, rows)
	data := wasmudf.NewView(e.Arena, bundle[0], ret, rows)
	if validity.Empty() || data.Empty() {
		return nil, fmt.Errorf("result buffers at %d and %d unreadable", bundle[0], bundle[1])
	}
	var lengths wasmudf.View
	if ret == wasmudf.TypeVarchar {
		if lengths = wasmudf.NewView(e.Arena, bundle[2], wasmudf.TypeUInt64, rows); lengths.Empty() {
			return nil, fmt.Errorf("length buffer at %d unreadable", bundle[2])
		}
	}
	for r := 0; r < rows; r++ {
		if validity.Uint8(r) == 0 {
			continue
		}
		if ret != wasmudf.TypeVarchar {
			out.Values[r] = data.Value(r)
			continue
		}
		off, err := data.Slot(e.Encoding, r)
		if err != nil {
			return nil, err
		}
		n, err := lengths.Slot(e.Encoding, r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			out.Values[r] = ""
			continue
		}
		b, ok := e.Arena.Read(pool+uint32(off), uint32(n))
		if !ok {
			return nil, fmt.Errorf("row %d: text at pool+%d unreadable", r, off)
		}
		out.Values[r] = string(b)
	}
	return out, nil
}

// Run prepares req, invokes it on bridge and decodes the outcome. The
// bridge's error, already reported through the response record, is not
// returned; only failures of the harness itself are.
func (e *Engine) Run(ctx context.Context, bridge *wasmudf.Bridge, req Request) (*Outcome, error) {
	call, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	res, _ := bridge.Invoke(ctx, e.Arena, call)
	var pool uint32
	if res != nil {
		pool = res.Pool
	}
	return e.Read(call, req.Return, req.rows(), pool)
}
