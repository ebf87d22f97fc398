// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
)

// resultSink receives the per-row results of the row loop in row order.
type resultSink interface {
	setNull(row int)
	set(row int, v any) error
}

// rowLoop drives a function over a set of columns.
type rowLoop struct {
	fn    *Function
	cc    *CallContext
	trace bool // attach the panic stack to callback faults
}

// run invokes the callback once per row. The first failing row aborts the
// loop; rows already written to sink are left for the caller to discard.
func (l rowLoop) run(cols []column, rows int, sink resultSink) error {
	args := make([]any, len(cols))
	for r := 0; r < rows; r++ {
		for i, c := range cols {
			if c.valid(r) {
				args[i] = c.value(r)
			} else {
				args[i] = nil
			}
		}
		out, err := l.call(args, r)
		if err != nil {
			return err
		}
		if out == nil {
			sink.setNull(r)
			continue
		}
		if err := sink.set(r, out); err != nil {
			return callbackError(l.fn.ID, l.fn.Name, r, fmt.Errorf("result %v: %w", out, err))
		}
	}
	return nil
}

// call runs the callback for one row, converting a panic into an error.
func (l rowLoop) call(args []any, row int) (out any, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			out = nil
			be := callbackError(l.fn.ID, l.fn.Name, row, fmt.Errorf("panic: %v", rv))
			if l.trace {
				be.Traceback = string(debug.Stack())
			}
			err = be
		}
	}()
	if l.fn.CtxFn != nil {
		l.cc.Row = row
		out, err = l.fn.CtxFn(l.cc, args)
	} else {
		out, err = l.fn.Fn(args)
	}
	if err != nil {
		return nil, callbackError(l.fn.ID, l.fn.Name, row, err)
	}
	return out, nil
}

// memoryResult is the result column under construction in linear memory.
type memoryResult struct {
	arena Arena
	enc   SlotEncoding
	id    FunctionID
	typ   PhysicalType
	rows  int

	dataAddr     uint32
	validityAddr uint32
	lengthsAddr  uint32
	poolAddr     uint32
	poolLen      uint32

	data     View
	validity View
	text     []string

	allocations int
	bytes       int64
}

// bufferSize returns rows*width as a 32-bit allocation size.
func bufferSize(rows, width int) (uint32, bool) {
	n := uint64(rows) * uint64(width)
	return uint32(n), n <= math.MaxUint32
}

func (m *memoryResult) allocate(ctx context.Context, size uint32, what string) (uint32, error) {
	addr, err := m.arena.Allocate(ctx, size)
	if err != nil {
		be := newError(KindInvalidResultBuffer, m.id, "allocating %d byte %s: %v", size, what, err)
		be.Err = err
		return 0, be
	}
	m.allocations++
	m.bytes += int64(size)
	return addr, nil
}

// newMemoryResult allocates the data and validity buffers for a result of
// type ret with rows rows.
func newMemoryResult(ctx context.Context, arena Arena, enc SlotEncoding, id FunctionID, ret ReturnDescriptor, rows int) (*memoryResult, error) {
	width := WidthOf(ret.PhysicalType)
	if width == 0 {
		return nil, newError(KindInvalidResultBuffer, id, "unsupported return physical type %q", ret.TypeTag())
	}
	dataSize, ok := bufferSize(rows, width)
	if !ok {
		return nil, newError(KindInvalidResultBuffer, id, "%d rows of %s exceed 32-bit memory", rows, ret.PhysicalType)
	}
	m := &memoryResult{arena: arena, enc: enc, id: id, typ: ret.PhysicalType, rows: rows}
	var err error
	if m.dataAddr, err = m.allocate(ctx, dataSize, "data buffer"); err != nil {
		return nil, err
	}
	if m.validityAddr, err = m.allocate(ctx, uint32(rows), "validity buffer"); err != nil {
		return nil, err
	}
	if m.typ == TypeVarchar {
		m.text = make([]string, rows)
	}
	return m, nil
}

// bind re-acquires the data and validity views.
func (m *memoryResult) bind() error {
	m.data = NewView(m.arena, m.dataAddr, m.typ, m.rows)
	m.validity = NewView(m.arena, m.validityAddr, TypeUInt8, m.rows)
	if m.data.Empty() || m.validity.Empty() {
		return newError(KindInvalidResultBuffer, m.id,
			"result buffers at %d and %d lie outside memory", m.dataAddr, m.validityAddr)
	}
	return nil
}

func (m *memoryResult) setNull(row int) {
	m.validity.Bytes()[row] = 0
	if m.text != nil {
		m.text[row] = ""
		return
	}
	m.data.clear(row)
}

func (m *memoryResult) set(row int, v any) error {
	if m.text != nil {
		s, err := toText(v)
		if err != nil {
			return err
		}
		m.text[row] = s
	} else if err := m.data.putValue(row, v); err != nil {
		return err
	}
	m.validity.Bytes()[row] = 1
	return nil
}

// finishText writes the VARCHAR result: a length slot per row, one pool
// holding every row's bytes back to back, and per-row pool-relative offsets
// in the data buffer. Offsets are relative to the pool, unlike argument
// addresses, and the consumer adds the pool base itself.
func (m *memoryResult) finishText(ctx context.Context) error {
	lengthsSize, ok := bufferSize(m.rows, slotWidth)
	if !ok {
		return newError(KindInvalidResultBuffer, m.id, "%d length slots exceed 32-bit memory", m.rows)
	}
	var total uint64
	for _, s := range m.text {
		total += uint64(len(s))
	}
	if total > math.MaxUint32 {
		return newError(KindInvalidResultBuffer, m.id, "text pool of %d bytes exceeds 32-bit memory", total)
	}

	var err error
	if m.lengthsAddr, err = m.allocate(ctx, lengthsSize, "length buffer"); err != nil {
		return err
	}
	m.poolLen = uint32(total)
	if total > 0 {
		if m.poolAddr, err = m.allocate(ctx, m.poolLen, "text pool"); err != nil {
			return err
		}
	}
	if err := m.bind(); err != nil {
		return err
	}
	lengths := NewView(m.arena, m.lengthsAddr, TypeUInt64, m.rows)
	if lengths.Empty() {
		return newError(KindInvalidResultBuffer, m.id, "length buffer at %d lies outside memory", m.lengthsAddr)
	}
	var pool []byte
	if total > 0 {
		var ok bool
		if pool, ok = m.arena.Read(m.poolAddr, m.poolLen); !ok {
			return newError(KindInvalidResultBuffer, m.id, "text pool at %d lies outside memory", m.poolAddr)
		}
	}

	var offset uint64
	for r, s := range m.text {
		lengths.PutSlot(m.enc, r, uint64(len(s)))
		m.data.PutSlot(m.enc, r, offset)
		copy(pool[offset:], s)
		offset += uint64(len(s))
	}
	return nil
}

// finish completes the result and writes the bundle
// [data, validity, lengths or 0], returning the bundle's address.
func (m *memoryResult) finish(ctx context.Context) (uint32, error) {
	if m.typ == TypeVarchar {
		if err := m.finishText(ctx); err != nil {
			return 0, err
		}
	}
	bundle, err := m.allocate(ctx, 3*slotWidth, "result bundle")
	if err != nil {
		return 0, err
	}
	if !writeSlots(m.arena, m.enc, bundle, uint64(m.dataAddr), uint64(m.validityAddr), uint64(m.lengthsAddr)) {
		return 0, newError(KindInvalidResultBuffer, m.id, "result bundle at %d lies outside memory", bundle)
	}
	return bundle, nil
}

// Result describes the buffers produced by a successful call. Ownership of
// every buffer belongs to the engine.
type Result struct {
	Type     PhysicalType
	Rows     int
	Bundle   uint32
	Data     uint32
	Validity uint32
	// Lengths and Pool are set for VARCHAR results only. Pool is zero when
	// every row is empty or NULL. The bundle does not carry it.
	Lengths uint32
	Pool    uint32
	PoolLen uint32
}

func (m *memoryResult) result(bundle uint32) *Result {
	return &Result{
		Type:     m.typ,
		Rows:     m.rows,
		Bundle:   bundle,
		Data:     m.dataAddr,
		Validity: m.validityAddr,
		Lengths:  m.lengthsAddr,
		Pool:     m.poolAddr,
		PoolLen:  m.poolLen,
	}
}
