// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ArgumentDescriptor describes one positional argument of a call. The buffer
// fields are indices into the call's pointer table.
type ArgumentDescriptor struct {
	LogicalType    string       `json:"logicalType"`
	PhysicalType   PhysicalType `json:"physicalType"`
	ValidityBuffer int          `json:"validityBuffer"`
	DataBuffer     int          `json:"dataBuffer"`
	LengthBuffer   int          `json:"lengthBuffer"`

	tag string // wire tag as received, kept for diagnostics
}

// ReturnDescriptor describes the result column. Its buffers are allocated by
// the bridge, so it carries no pointer-table indices.
type ReturnDescriptor struct {
	LogicalType  string       `json:"logicalType"`
	PhysicalType PhysicalType `json:"physicalType"`

	tag string
}

// SchemaDescription is the decoded descriptor of one call. The JSON field
// names are shared with the engine and must change on both sides together.
type SchemaDescription struct {
	Rows int                  `json:"rows"`
	Args []ArgumentDescriptor `json:"args"`
	Ret  ReturnDescriptor     `json:"ret"`
}

// wire shapes with pointer fields so that missing keys can be told apart
// from zero values.
type wireArgument struct {
	LogicalType    *string `json:"logicalType"`
	PhysicalType   *string `json:"physicalType"`
	ValidityBuffer *int    `json:"validityBuffer"`
	DataBuffer     *int    `json:"dataBuffer"`
	LengthBuffer   *int    `json:"lengthBuffer"`
}

type wireReturn struct {
	LogicalType  *string `json:"logicalType"`
	PhysicalType *string `json:"physicalType"`
}

type wireSchema struct {
	Rows *int            `json:"rows"`
	Args *[]wireArgument `json:"args"`
	Ret  *wireReturn     `json:"ret"`
}

var errMissingField = errors.New("missing field")

// DecodeSchema parses descriptor text into a SchemaDescription, checking that
// every required field is present with the right JSON type. Unknown physical
// type tags decode to TypeInvalid; the argument decoder and result encoder
// reject them with InvalidArgumentBuffer and InvalidResultBuffer.
func DecodeSchema(data []byte) (*SchemaDescription, error) {
	var w wireSchema
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}
	if w.Rows == nil {
		return nil, fmt.Errorf("rows: %w", errMissingField)
	}
	if w.Args == nil {
		return nil, fmt.Errorf("args: %w", errMissingField)
	}
	if w.Ret == nil {
		return nil, fmt.Errorf("ret: %w", errMissingField)
	}

	s := &SchemaDescription{
		Rows: *w.Rows,
		Args: make([]ArgumentDescriptor, len(*w.Args)),
	}
	for i, wa := range *w.Args {
		arg, err := decodeArgument(wa)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		s.Args[i] = arg
	}

	if w.Ret.PhysicalType == nil {
		return nil, fmt.Errorf("ret.physicalType: %w", errMissingField)
	}
	s.Ret.tag = *w.Ret.PhysicalType
	s.Ret.PhysicalType = ParsePhysicalType(s.Ret.tag)
	if w.Ret.LogicalType != nil {
		s.Ret.LogicalType = *w.Ret.LogicalType
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeArgument(wa wireArgument) (ArgumentDescriptor, error) {
	var arg ArgumentDescriptor
	if wa.PhysicalType == nil {
		return arg, fmt.Errorf("physicalType: %w", errMissingField)
	}
	arg.tag = *wa.PhysicalType
	arg.PhysicalType = ParsePhysicalType(arg.tag)
	if wa.LogicalType != nil {
		arg.LogicalType = *wa.LogicalType
	}
	if wa.ValidityBuffer == nil {
		return arg, fmt.Errorf("validityBuffer: %w", errMissingField)
	}
	if wa.DataBuffer == nil {
		return arg, fmt.Errorf("dataBuffer: %w", errMissingField)
	}
	arg.ValidityBuffer = *wa.ValidityBuffer
	arg.DataBuffer = *wa.DataBuffer
	if wa.LengthBuffer != nil {
		arg.LengthBuffer = *wa.LengthBuffer
	} else if arg.PhysicalType == TypeVarchar {
		return arg, fmt.Errorf("lengthBuffer: %w", errMissingField)
	}
	return arg, nil
}

// Validate checks the invariants of a descriptor that do not depend on
// memory: a positive row count and non-negative buffer indices.
func (s *SchemaDescription) Validate() error {
	if s.Rows <= 0 {
		return fmt.Errorf("rows must be positive, got %d", s.Rows)
	}
	for i, a := range s.Args {
		if a.ValidityBuffer < 0 || a.DataBuffer < 0 || a.LengthBuffer < 0 {
			return fmt.Errorf("args[%d]: negative buffer index", i)
		}
	}
	return nil
}

// TypeTag returns the physical type tag as it appeared on the wire.
func (a ArgumentDescriptor) TypeTag() string {
	if a.tag != "" {
		return a.tag
	}
	return a.PhysicalType.String()
}

// TypeTag returns the physical type tag as it appeared on the wire.
func (r ReturnDescriptor) TypeTag() string {
	if r.tag != "" {
		return r.tag
	}
	return r.PhysicalType.String()
}

// EncodeSchema renders a descriptor in the engine's wire format.
func EncodeSchema(s *SchemaDescription) ([]byte, error) {
	return json.Marshal(s)
}
