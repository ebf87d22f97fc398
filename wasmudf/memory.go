// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Memory is a flat, 32-bit addressed byte space shared with the engine.
// wazero's api.Memory satisfies it directly.
//
// Read must return a view of the underlying bytes, not a copy. Views may be
// invalidated when the memory grows, so callers re-acquire them after every
// allocation.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Allocator allocates buffers inside a Memory. The bridge never frees what it
// allocates; ownership passes to the engine with the response record.
type Allocator interface {
	Allocate(ctx context.Context, size uint32) (uint32, error)
}

// Arena is a Memory together with the allocator that manages it.
type Arena interface {
	Memory
	Allocator
}

// SlotEncoding selects how 8-byte address and length slots are represented.
type SlotEncoding int

const (
	// SlotUint64 stores slots as little-endian unsigned 64-bit integers.
	SlotUint64 SlotEncoding = iota
	// SlotFloat64 stores slots as little-endian IEEE-754 doubles, the layout
	// duckdb-wasm uses for its HEAPF64 based pointer tables and responses.
	SlotFloat64
)

// maxExactFloat is the largest integer a float64 slot represents exactly.
const maxExactFloat = 1 << 53

func (e SlotEncoding) String() string {
	switch e {
	case SlotUint64:
		return "uint64"
	case SlotFloat64:
		return "float64"
	default:
		return fmt.Sprintf("SlotEncoding(%d)", int(e))
	}
}

// Get decodes one slot from the first 8 bytes of b.
func (e SlotEncoding) Get(b []byte) (uint64, error) {
	if len(b) < slotWidth {
		return 0, fmt.Errorf("short slot: %d bytes", len(b))
	}
	bits := binary.LittleEndian.Uint64(b)
	if e != SlotFloat64 {
		return bits, nil
	}
	f := math.Float64frombits(bits)
	if f < 0 || f > maxExactFloat || f != math.Trunc(f) {
		return 0, fmt.Errorf("slot value %v is not a valid address or length", f)
	}
	return uint64(f), nil
}

// Put encodes v into the first 8 bytes of b.
func (e SlotEncoding) Put(b []byte, v uint64) {
	if e == SlotFloat64 {
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

// View is a zero-copy typed window over count elements of linear memory.
// Accessors decode little-endian values in place.
type View struct {
	buf []byte
	typ PhysicalType
	n   int
}

// NewView returns a view over [addr, addr+count*WidthOf(t)). The view is
// empty when t has no width, count is not positive, or the range does not
// lie inside mem. An empty view is the caller's signal to fail.
func NewView(mem Memory, addr uint32, t PhysicalType, count int) View {
	width := WidthOf(t)
	if width == 0 || count <= 0 {
		return View{}
	}
	size := uint64(count) * uint64(width)
	if size > math.MaxUint32 || uint64(addr)+size > uint64(mem.Size()) {
		return View{}
	}
	buf, ok := mem.Read(addr, uint32(size))
	if !ok || len(buf) != int(size) {
		return View{}
	}
	return View{buf: buf, typ: t, n: count}
}

// Len returns the number of elements in the view.
func (v View) Len() int { return v.n }

// Empty reports whether the view covers no elements.
func (v View) Empty() bool { return v.n == 0 }

// Type returns the element type of the view.
func (v View) Type() PhysicalType { return v.typ }

// Bytes returns the raw bytes under the view.
func (v View) Bytes() []byte { return v.buf }

func (v View) Uint8(i int) uint8 { return v.buf[i] }

func (v View) Int8(i int) int8 { return int8(v.buf[i]) }

func (v View) Int32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(v.buf[i*4:]))
}

func (v View) Float32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.buf[i*4:]))
}

func (v View) Int64(i int) int64 {
	return int64(binary.LittleEndian.Uint64(v.buf[i*8:]))
}

func (v View) Uint64(i int) uint64 {
	return binary.LittleEndian.Uint64(v.buf[i*8:])
}

func (v View) Float64(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.buf[i*8:]))
}

// Slot decodes element i as an address or length slot.
func (v View) Slot(enc SlotEncoding, i int) (uint64, error) {
	return enc.Get(v.buf[i*slotWidth:])
}

// PutSlot encodes element i as an address or length slot.
func (v View) PutSlot(enc SlotEncoding, i int, val uint64) {
	enc.Put(v.buf[i*slotWidth:], val)
}

// Value returns element i as the Go value handed to callbacks. VARCHAR views
// hold slots, not text, and return the raw slot bits.
func (v View) Value(i int) any {
	switch v.typ {
	case TypeUInt8:
		return v.Uint8(i)
	case TypeInt8:
		return v.Int8(i)
	case TypeInt32:
		return v.Int32(i)
	case TypeFloat:
		return v.Float32(i)
	case TypeInt64:
		return v.Int64(i)
	case TypeUInt64, TypeVarchar:
		return v.Uint64(i)
	case TypeDouble:
		return v.Float64(i)
	default:
		return nil
	}
}

// putValue stores a callback result into element i, coercing it to the
// view's type.
func (v View) putValue(i int, val any) error {
	switch v.typ {
	case TypeUInt8, TypeInt8:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		if err := checkIntRange(v.typ, n); err != nil {
			return err
		}
		v.buf[i] = byte(n)
	case TypeInt32:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		if err := checkIntRange(v.typ, n); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(v.buf[i*4:], uint32(int32(n)))
	case TypeFloat:
		f, err := toFloat32(val)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(v.buf[i*4:], math.Float32bits(f))
	case TypeInt64:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(v.buf[i*8:], uint64(n))
	case TypeUInt64:
		n, err := toUint64(val)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(v.buf[i*8:], n)
	case TypeDouble:
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(v.buf[i*8:], math.Float64bits(f))
	default:
		return fmt.Errorf("cannot store into %s view", v.typ)
	}
	return nil
}

// clear zeroes element i.
func (v View) clear(i int) {
	w := WidthOf(v.typ)
	clear(v.buf[i*w : (i+1)*w])
}

// readSlots reads n consecutive slots starting at addr.
func readSlots(mem Memory, enc SlotEncoding, addr uint32, n int) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	view := NewView(mem, addr, TypeUInt64, n)
	if view.Empty() {
		return nil, fmt.Errorf("%d slots at address %d lie outside memory", n, addr)
	}
	out := make([]uint64, n)
	for i := range out {
		v, err := view.Slot(enc, i)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// writeSlots writes vals as consecutive slots starting at addr.
func writeSlots(mem Memory, enc SlotEncoding, addr uint32, vals ...uint64) bool {
	view := NewView(mem, addr, TypeUInt64, len(vals))
	if view.Empty() {
		return false
	}
	for i, v := range vals {
		view.PutSlot(enc, i, v)
	}
	return true
}

// toAddress narrows a decoded slot to a 32-bit linear memory address.
func toAddress(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("address %d exceeds 32-bit linear memory", v)
	}
	return uint32(v), nil
}

// BufferArena is a host-owned Arena backed by a Go byte slice with a bump
// allocator. It never reuses memory. Address 0 is reserved so that a zero
// slot always means "no buffer".
type BufferArena struct {
	mu          sync.Mutex
	buf         []byte
	next        uint32
	allocations int
}

// arenaAlign is the alignment of every BufferArena allocation.
const arenaAlign = 8

// NewBufferArena creates an arena of size bytes.
func NewBufferArena(size uint32) *BufferArena {
	return &BufferArena{buf: make([]byte, size), next: arenaAlign}
}

// Size implements Memory.
func (a *BufferArena) Size() uint32 { return uint32(len(a.buf)) }

// Read implements Memory. The returned slice aliases the arena.
func (a *BufferArena) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(a.buf)) {
		return nil, false
	}
	return a.buf[offset:end:end], true
}

// Write implements Memory.
func (a *BufferArena) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(a.buf)) {
		return false
	}
	copy(a.buf[offset:end], v)
	return true
}

// Allocate implements Allocator.
func (a *BufferArena) Allocate(_ context.Context, size uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := (a.next + arenaAlign - 1) &^ (arenaAlign - 1)
	end := uint64(addr) + uint64(size)
	if end > uint64(len(a.buf)) {
		return 0, fmt.Errorf("arena exhausted: need %d bytes at %d, size %d", size, addr, len(a.buf))
	}
	a.next = uint32(end)
	a.allocations++
	return addr, nil
}

// Allocations returns the number of successful Allocate calls.
func (a *BufferArena) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocations
}

// Used returns the number of bytes handed out so far, including padding.
func (a *BufferArena) Used() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Rewind releases every allocation made after Used returned mark. Memory is
// not cleared. Rewinding past the reserved first slot is a no-op.
func (a *BufferArena) Rewind(mark uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mark >= arenaAlign && mark <= a.next {
		a.next = mark
	}
}
