// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package wasmudf bridges scalar user-defined functions between a SQL engine
// compiled to WebAssembly and Go callbacks running in the host.
//
// The engine lays its argument columns out in linear memory and calls the
// host with five values: a function id, the address and length of a JSON
// schema descriptor, and the address and length of a pointer table. The
// bridge decodes the columns, calls the registered Go function once per
// row, writes the result column back into freshly allocated engine memory
// and reports the outcome through a three-slot response record.
//
// # Memory layout
//
// Every address, length and count crossing the boundary is an 8-byte slot.
// [SlotUint64] stores slots as little-endian unsigned integers;
// [SlotFloat64] stores them as little-endian doubles, the way duckdb-wasm's
// JavaScript side writes HEAPF64. Each argument consumes two pointer table
// entries (validity, data), plus a third (lengths) for VARCHAR. The
// response record is
//
//	[0, bundle, 0]          success; bundle is [data, validity, lengths]
//	[1, message, length]    failure; message is UTF-8 text
//
// For VARCHAR results the data buffer holds one offset per row, relative to
// a separately allocated character pool. The pool's address is not part of
// the bundle; [Result.Pool] reports it to Go hosts.
//
// # Functions
//
// Register callbacks with [Registry.Register] for untyped functions, or with
// [RegisterFunc1], [RegisterFunc2] and friends to declare a signature that
// is checked against each call's descriptor. Callbacks receive nil for SQL
// NULL and return nil to produce NULL. A panic or returned error in a
// callback fails the whole call with a CallbackException.
//
// # Transports
//
// [Bridge.Invoke] serves calls over any [Arena]. [HostModule] exports the
// bridge to wazero guests as env.call_scalar_udf. [Bridge.EvaluateBatch]
// evaluates Arrow record batches directly, and [HttpServer] serves the same
// functions over HTTP with Arrow IPC bodies:
//
//	POST /udf/{id}          evaluate a function over every request batch
//	GET  /udf/__describe__  describe batch listing registered functions
//	GET  /udf/              HTML listing
//
// Observability is provided through [DispatchHook]; see the otel
// subpackage for an OpenTelemetry implementation.
package wasmudf
