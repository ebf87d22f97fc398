// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"strings"
	"unicode/utf8"
)

// column is one argument as seen by the row loop.
type column interface {
	valid(row int) bool
	value(row int) any
}

// argument is a decoded argument backed by linear memory. Fixed-width
// arguments keep their addresses and are viewed in place; VARCHAR arguments
// are materialized at decode time since text cannot be viewed as numbers.
type argument struct {
	index        int
	typ          PhysicalType
	validityAddr uint32
	dataAddr     uint32

	validity View
	data     View

	text    []string
	present []bool
	bytes   int64
}

func (a *argument) valid(row int) bool {
	if a.present != nil {
		return a.present[row]
	}
	return a.validity.Uint8(row) != 0
}

func (a *argument) value(row int) any {
	if a.text != nil {
		return a.text[row]
	}
	return a.data.Value(row)
}

// bind re-acquires the fixed-width views. It must be called after any
// allocation in the arena, since the allocator may move linear memory.
func (a *argument) bind(mem Memory, id FunctionID, rows int) error {
	if a.text != nil {
		return nil
	}
	a.validity = NewView(mem, a.validityAddr, TypeUInt8, rows)
	a.data = NewView(mem, a.dataAddr, a.typ, rows)
	if a.validity.Empty() || a.data.Empty() {
		return argumentError(id, a.index, "%s buffers moved outside memory", a.typ)
	}
	return nil
}

// resolvePointer looks up a pointer table entry and narrows it to an address.
func resolvePointer(id FunctionID, arg int, what string, pointers []uint64, index int) (uint32, error) {
	if index < 0 || index >= len(pointers) {
		return 0, argumentError(id, arg, "%s buffer index %d outside pointer table of %d entries",
			what, index, len(pointers))
	}
	addr, err := toAddress(pointers[index])
	if err != nil {
		return 0, argumentError(id, arg, "%s buffer: %v", what, err)
	}
	return addr, nil
}

// decodeArguments resolves every argument of schema through the pointer
// table and checks that its buffers lie inside mem.
func decodeArguments(mem Memory, enc SlotEncoding, id FunctionID, schema *SchemaDescription, pointers []uint64) ([]*argument, error) {
	rows := schema.Rows
	args := make([]*argument, len(schema.Args))
	for i, desc := range schema.Args {
		if WidthOf(desc.PhysicalType) == 0 {
			return nil, argumentError(id, i, "unsupported physical type %q", desc.TypeTag())
		}
		validityAddr, err := resolvePointer(id, i, "validity", pointers, desc.ValidityBuffer)
		if err != nil {
			return nil, err
		}
		dataAddr, err := resolvePointer(id, i, "data", pointers, desc.DataBuffer)
		if err != nil {
			return nil, err
		}

		a := &argument{
			index:        i,
			typ:          desc.PhysicalType,
			validityAddr: validityAddr,
			dataAddr:     dataAddr,
			validity:     NewView(mem, validityAddr, TypeUInt8, rows),
			data:         NewView(mem, dataAddr, desc.PhysicalType, rows),
		}
		if a.validity.Empty() {
			return nil, argumentError(id, i, "validity buffer of %d rows at %d is empty or outside memory", rows, validityAddr)
		}
		if a.data.Empty() {
			return nil, argumentError(id, i, "%s data buffer of %d rows at %d is empty or outside memory",
				desc.PhysicalType, rows, dataAddr)
		}
		a.bytes = int64(len(a.validity.Bytes()) + len(a.data.Bytes()))

		if desc.PhysicalType == TypeVarchar {
			if err := a.decodeText(mem, enc, id, pointers, desc.LengthBuffer, rows); err != nil {
				return nil, err
			}
		}
		args[i] = a
	}
	return args, nil
}

// decodeText materializes a VARCHAR argument. Each data slot holds the
// absolute address of the row's bytes and each length slot their count.
func (a *argument) decodeText(mem Memory, enc SlotEncoding, id FunctionID, pointers []uint64, lengthIndex, rows int) error {
	lengthAddr, err := resolvePointer(id, a.index, "length", pointers, lengthIndex)
	if err != nil {
		return err
	}
	lengths := NewView(mem, lengthAddr, TypeUInt64, rows)
	if lengths.Empty() {
		return argumentError(id, a.index, "length buffer of %d rows at %d is empty or outside memory", rows, lengthAddr)
	}
	a.bytes += int64(len(lengths.Bytes()))

	a.text = make([]string, rows)
	a.present = make([]bool, rows)
	for r := 0; r < rows; r++ {
		if a.validity.Uint8(r) == 0 {
			continue
		}
		start, err := a.data.Slot(enc, r)
		if err != nil {
			return argumentError(id, a.index, "row %d address: %v", r, err)
		}
		addr, err := toAddress(start)
		if err != nil {
			return argumentError(id, a.index, "row %d: %v", r, err)
		}
		n, err := lengths.Slot(enc, r)
		if err != nil {
			return argumentError(id, a.index, "row %d length: %v", r, err)
		}
		if uint64(addr)+n > uint64(mem.Size()) {
			return argumentError(id, a.index, "row %d: text [%d, %d) outside memory", r, addr, uint64(addr)+n)
		}
		b, ok := mem.Read(addr, uint32(n))
		if !ok {
			return argumentError(id, a.index, "row %d: text at %d unreadable", r, addr)
		}
		s := string(b)
		if !utf8.ValidString(s) {
			s = strings.ToValidUTF8(s, "�")
		}
		a.text[r] = s
		a.present[r] = true
		a.bytes += int64(n)
	}
	a.validity, a.data = View{}, View{}
	return nil
}

func argumentTypes(args []*argument) []PhysicalType {
	out := make([]PhysicalType, len(args))
	for i, a := range args {
		out[i] = a.typ
	}
	return out
}
