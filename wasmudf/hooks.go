// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// Transport names for DispatchInfo.Transport.
const (
	TransportMemory = "memory"
	TransportArrow  = "arrow"
	TransportHTTP   = "http"
)

// DispatchHook provides observability callpoints around every call.
// Implementations must be safe for concurrent use (the HTTP transport is
// concurrent).
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo describes the call being dispatched.
type DispatchInfo struct {
	FunctionID   FunctionID
	FunctionName string // empty for unknown or unnamed functions
	CallID       string // unique per call, also attached to log records
	Transport    string // TransportMemory, TransportArrow or TransportHTTP
	// TransportMetadata carries HTTP headers and peer details on the HTTP
	// transport and is nil otherwise.
	TransportMetadata map[string]string
}

// CallStatistics holds per-call counters.
type CallStatistics struct {
	Batches       int64
	Rows          int64
	ArgumentBytes int64
	ResultBytes   int64
	Allocations   int64
	NullResults   int64
}

// RecordArguments records one decoded batch of rows.
func (s *CallStatistics) RecordArguments(rows, bytes int64) {
	s.Batches++
	s.Rows += rows
	s.ArgumentBytes += bytes
}

// RecordResult records the buffers produced for one batch.
func (s *CallStatistics) RecordResult(bytes, allocations int64) {
	s.ResultBytes += bytes
	s.Allocations += allocations
}

// countingSink wraps a resultSink to count NULL results.
type countingSink struct {
	resultSink
	nulls int64
}

func (c *countingSink) setNull(row int) {
	c.nulls++
	c.resultSink.setNull(row)
}

// batchBufferSize returns the total top-level buffer size in bytes across all
// columns in a record batch.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for _, col := range batch.Columns() {
		total += arrayBufferSize(col)
	}
	return total
}

func arrayBufferSize(arr arrow.Array) int64 {
	var total int64
	for _, buf := range arr.Data().Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	return total
}
