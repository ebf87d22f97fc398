// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSchema(t *testing.T) {
	s, err := DecodeSchema([]byte(`{
		"rows": 3,
		"args": [
			{"logicalType": "INTEGER", "physicalType": "INT32", "validityBuffer": 0, "dataBuffer": 1},
			{"logicalType": "VARCHAR", "physicalType": "VARCHAR", "validityBuffer": 2, "dataBuffer": 3, "lengthBuffer": 4}
		],
		"ret": {"logicalType": "DOUBLE", "physicalType": "DOUBLE"}
	}`))
	require.NoError(t, err)
	require.Equal(t, 3, s.Rows)
	require.Len(t, s.Args, 2)
	require.Equal(t, TypeInt32, s.Args[0].PhysicalType)
	require.Equal(t, "INTEGER", s.Args[0].LogicalType)
	require.Equal(t, 1, s.Args[0].DataBuffer)
	require.Equal(t, TypeVarchar, s.Args[1].PhysicalType)
	require.Equal(t, 4, s.Args[1].LengthBuffer)
	require.Equal(t, TypeDouble, s.Ret.PhysicalType)
}

func TestDecodeSchemaKeepsUnknownTags(t *testing.T) {
	s, err := DecodeSchema([]byte(`{"rows": 1,
		"args": [{"physicalType": "INT128", "validityBuffer": 0, "dataBuffer": 1}],
		"ret": {"physicalType": "DECIMAL"}}`))
	require.NoError(t, err)
	require.Equal(t, TypeInvalid, s.Args[0].PhysicalType)
	require.Equal(t, "INT128", s.Args[0].TypeTag())
	require.Equal(t, TypeInvalid, s.Ret.PhysicalType)
	require.Equal(t, "DECIMAL", s.Ret.TypeTag())
}

func TestDecodeSchemaErrors(t *testing.T) {
	for name, text := range map[string]string{
		"not json":           `{rows: 1`,
		"missing rows":       `{"args": [], "ret": {"physicalType": "INT32"}}`,
		"missing args":       `{"rows": 1, "ret": {"physicalType": "INT32"}}`,
		"missing ret":        `{"rows": 1, "args": []}`,
		"missing ret type":   `{"rows": 1, "args": [], "ret": {}}`,
		"zero rows":          `{"rows": 0, "args": [], "ret": {"physicalType": "INT32"}}`,
		"negative rows":      `{"rows": -2, "args": [], "ret": {"physicalType": "INT32"}}`,
		"rows as string":     `{"rows": "3", "args": [], "ret": {"physicalType": "INT32"}}`,
		"missing validity":   `{"rows": 1, "args": [{"physicalType": "INT32", "dataBuffer": 1}], "ret": {"physicalType": "INT32"}}`,
		"missing data":       `{"rows": 1, "args": [{"physicalType": "INT32", "validityBuffer": 0}], "ret": {"physicalType": "INT32"}}`,
		"missing arg type":   `{"rows": 1, "args": [{"validityBuffer": 0, "dataBuffer": 1}], "ret": {"physicalType": "INT32"}}`,
		"varchar no lengths": `{"rows": 1, "args": [{"physicalType": "VARCHAR", "validityBuffer": 0, "dataBuffer": 1}], "ret": {"physicalType": "INT32"}}`,
		"negative index":     `{"rows": 1, "args": [{"physicalType": "INT32", "validityBuffer": -1, "dataBuffer": 1}], "ret": {"physicalType": "INT32"}}`,
	} {
		_, err := DecodeSchema([]byte(text))
		require.Error(t, err, name)
	}
}

func TestEncodeSchema(t *testing.T) {
	in := &SchemaDescription{
		Rows: 2,
		Args: []ArgumentDescriptor{
			{LogicalType: "BIGINT", PhysicalType: TypeInt64, ValidityBuffer: 0, DataBuffer: 1},
		},
		Ret: ReturnDescriptor{LogicalType: "VARCHAR", PhysicalType: TypeVarchar},
	}
	text, err := EncodeSchema(in)
	require.NoError(t, err)
	require.Contains(t, string(text), `"physicalType":"INT64"`)

	out, err := DecodeSchema(text)
	require.NoError(t, err)
	require.Equal(t, in.Rows, out.Rows)
	require.Equal(t, in.Args[0].PhysicalType, out.Args[0].PhysicalType)
	require.Equal(t, in.Ret.PhysicalType, out.Ret.PhysicalType)

	_, err = EncodeSchema(&SchemaDescription{Rows: 1})
	require.Error(t, err)
}
