// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

// Well-known metadata keys of the HTTP transport. They appear as
// custom_metadata on Arrow IPC schemas and record batches.
const (
	MetaReturnType      = "wasm_udf.return_type"
	MetaFunctionID      = "wasm_udf.function_id"
	MetaCallID          = "wasm_udf.call_id"
	MetaRequestVersion  = "wasm_udf.request_version"
	MetaLogLevel        = "wasm_udf.log_level"
	MetaLogMessage      = "wasm_udf.log_message"
	MetaLogExtra        = "wasm_udf.log_extra"
	MetaProtocolName    = "wasm_udf.protocol_name"
	MetaDescribeVersion = "wasm_udf.describe_version"

	ProtocolVersion = "1"
	DescribeVersion = "1"

	// logException is the log level of error batches.
	logException = "EXCEPTION"
)
