// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"fmt"
	"math"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
)

// PhysicalType is the in-memory binary representation of a column value as
// laid out by the engine.
type PhysicalType uint8

const (
	// TypeInvalid is the zero value and the result of parsing an unknown tag.
	// It has width 0 and is never accepted by the bridge.
	TypeInvalid PhysicalType = iota
	TypeUInt8
	TypeInt8
	TypeInt32
	TypeFloat
	TypeInt64
	TypeUInt64
	TypeDouble
	// TypeVarchar is variable-width UTF-8 text. Its data buffer holds one
	// 8-byte slot per row: an absolute address for arguments, a pool-relative
	// offset for results.
	TypeVarchar
)

// slotWidth is the width of every address/length slot exchanged with the engine.
const slotWidth = 8

var physicalTypeNames = [...]string{
	TypeInvalid: "INVALID",
	TypeUInt8:   "UINT8",
	TypeInt8:    "INT8",
	TypeInt32:   "INT32",
	TypeFloat:   "FLOAT",
	TypeInt64:   "INT64",
	TypeUInt64:  "UINT64",
	TypeDouble:  "DOUBLE",
	TypeVarchar: "VARCHAR",
}

// String returns the wire tag of the type.
func (t PhysicalType) String() string {
	if int(t) < len(physicalTypeNames) {
		return physicalTypeNames[t]
	}
	return fmt.Sprintf("PhysicalType(%d)", uint8(t))
}

// ParsePhysicalType maps a wire tag such as "INT32" to its PhysicalType.
// Unknown tags map to TypeInvalid.
func ParsePhysicalType(tag string) PhysicalType {
	for i, name := range physicalTypeNames {
		if i != int(TypeInvalid) && name == tag {
			return PhysicalType(i)
		}
	}
	return TypeInvalid
}

// MarshalText implements encoding.TextMarshaler.
func (t PhysicalType) MarshalText() ([]byte, error) {
	if t == TypeInvalid || int(t) >= len(physicalTypeNames) {
		return nil, fmt.Errorf("wasmudf: cannot marshal physical type %s", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown tags are
// rejected so a malformed descriptor fails at decode time.
func (t *PhysicalType) UnmarshalText(b []byte) error {
	p := ParsePhysicalType(string(b))
	if p == TypeInvalid {
		return fmt.Errorf("unknown physical type %q", string(b))
	}
	*t = p
	return nil
}

// WidthOf returns the byte width of one element of t in a data buffer, or 0
// for an unrecognized type. VARCHAR reports the width of its slot.
func WidthOf(t PhysicalType) int {
	switch t {
	case TypeUInt8, TypeInt8:
		return 1
	case TypeInt32, TypeFloat:
		return 4
	case TypeInt64, TypeUInt64, TypeDouble, TypeVarchar:
		return 8
	default:
		return 0
	}
}

// ArrowType returns the Arrow data type used for t on the vectorized and
// HTTP paths.
func (t PhysicalType) ArrowType() (arrow.DataType, error) {
	switch t {
	case TypeUInt8:
		return arrow.PrimitiveTypes.Uint8, nil
	case TypeInt8:
		return arrow.PrimitiveTypes.Int8, nil
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case TypeFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeUInt64:
		return arrow.PrimitiveTypes.Uint64, nil
	case TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeVarchar:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, fmt.Errorf("no arrow type for physical type %s", t)
	}
}

// PhysicalTypeFromArrow maps an Arrow data type back to its PhysicalType.
func PhysicalTypeFromArrow(dt arrow.DataType) (PhysicalType, error) {
	switch dt.ID() {
	case arrow.UINT8:
		return TypeUInt8, nil
	case arrow.INT8:
		return TypeInt8, nil
	case arrow.INT32:
		return TypeInt32, nil
	case arrow.FLOAT32:
		return TypeFloat, nil
	case arrow.INT64:
		return TypeInt64, nil
	case arrow.UINT64:
		return TypeUInt64, nil
	case arrow.FLOAT64:
		return TypeDouble, nil
	case arrow.STRING:
		return TypeVarchar, nil
	default:
		return TypeInvalid, fmt.Errorf("unsupported arrow type: %v", dt)
	}
}

// physicalTypeOf maps a Go type to the physical type a callback sees for it.
func physicalTypeOf(t reflect.Type) (PhysicalType, error) {
	switch t.Kind() {
	case reflect.Uint8:
		return TypeUInt8, nil
	case reflect.Int8:
		return TypeInt8, nil
	case reflect.Int32:
		return TypeInt32, nil
	case reflect.Float32:
		return TypeFloat, nil
	case reflect.Int64:
		return TypeInt64, nil
	case reflect.Uint64:
		return TypeUInt64, nil
	case reflect.Float64:
		return TypeDouble, nil
	case reflect.String:
		return TypeVarchar, nil
	default:
		return TypeInvalid, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// Numeric conversion helpers. Callbacks may return any Go number; the value
// is checked against the range of the declared return type before it is
// stored.

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch val := v.(type) {
	case uint64:
		return val, nil
	case uint:
		return uint64(val), nil
	case uint32:
		return uint64(val), nil
	case uint16:
		return uint64(val), nil
	case uint8:
		return uint64(val), nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to uint64", v)
		}
		if i < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned type", i)
		}
		return uint64(i), nil
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}

// toFloat32 keeps float32 values bit-exact, NaN payloads included. Other
// numeric types go through toFloat64.
func toFloat32(v any) (float32, error) {
	if f, ok := v.(float32); ok {
		return f, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to float32", v)
	}
	return float32(f), nil
}

// toText converts a callback result into the text stored for a VARCHAR row.
func toText(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		return "", fmt.Errorf("cannot convert %T to VARCHAR", v)
	}
}

// checkIntRange verifies that v fits the signed integer type t.
func checkIntRange(t PhysicalType, v int64) error {
	var lo, hi int64
	switch t {
	case TypeInt8:
		lo, hi = math.MinInt8, math.MaxInt8
	case TypeInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	case TypeUInt8:
		lo, hi = 0, math.MaxUint8
	default:
		return nil
	}
	if v < lo || v > hi {
		return fmt.Errorf("value %d out of range for %s", v, t)
	}
	return nil
}
