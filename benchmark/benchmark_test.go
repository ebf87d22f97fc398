// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Query-farm/wasm-udf/wasmudf"
	"github.com/Query-farm/wasm-udf/wasmudf/udftest"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

const arenaSize = 1 << 22

var rowCounts = []int{1, 64, 1024}

func newBridge() *wasmudf.Bridge {
	reg := wasmudf.NewRegistry()
	RegisterFunctions(reg)
	return wasmudf.NewBridge(reg)
}

func TestFixtures(t *testing.T) {
	ctx := context.Background()
	bridge := newBridge()

	out, err := udftest.NewEngine(arenaSize).Run(ctx, bridge, GreetRequest(2))
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, []any{"Hello, user-0!", "Hello, user-1!"}, out.Values)

	out, err = udftest.NewEngine(arenaSize).Run(ctx, bridge, AddRequest(10))
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	require.Equal(t, 0.5, out.Values[0])
	require.Equal(t, 8.5, out.Values[8])
	require.Nil(t, out.Values[9])

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	bridge.SetArrowAllocator(mem)
	batch := AddBatch(mem, 10)
	defer batch.Release()
	res, err := bridge.EvaluateBatch(ctx, Add, batch, wasmudf.TypeInvalid)
	require.NoError(t, err)
	defer res.Release()
	require.Equal(t, 10, res.Len())
	require.Equal(t, 1, res.NullN())
}

// benchmarkInvoke prepares req once and replays it, rewinding the arena to
// just after the prepared inputs on every iteration.
func benchmarkInvoke(b *testing.B, req udftest.Request) {
	ctx := context.Background()
	bridge := newBridge()
	engine := udftest.NewEngine(arenaSize)
	arena := engine.Arena.(*wasmudf.BufferArena)

	call, err := engine.Prepare(ctx, req)
	require.NoError(b, err)
	mark := arena.Used()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		arena.Rewind(mark)
		if _, err := bridge.Invoke(ctx, arena, call); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInvoke(b *testing.B) {
	for _, rows := range rowCounts {
		b.Run(fmt.Sprintf("noop/rows=%d", rows), func(b *testing.B) { benchmarkInvoke(b, NoopRequest(rows)) })
		b.Run(fmt.Sprintf("add/rows=%d", rows), func(b *testing.B) { benchmarkInvoke(b, AddRequest(rows)) })
		b.Run(fmt.Sprintf("greet/rows=%d", rows), func(b *testing.B) { benchmarkInvoke(b, GreetRequest(rows)) })
	}
}

func BenchmarkInvokeFloat64Slots(b *testing.B) {
	ctx := context.Background()
	bridge := newBridge()
	bridge.SetSlotEncoding(wasmudf.SlotFloat64)
	engine := udftest.NewEngine(arenaSize)
	engine.Encoding = wasmudf.SlotFloat64
	arena := engine.Arena.(*wasmudf.BufferArena)

	call, err := engine.Prepare(ctx, GreetRequest(64))
	require.NoError(b, err)
	mark := arena.Used()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		arena.Rewind(mark)
		if _, err := bridge.Invoke(ctx, arena, call); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkEvaluateBatch(b *testing.B, id wasmudf.FunctionID, batch arrow.RecordBatch) {
	ctx := context.Background()
	bridge := newBridge()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, err := bridge.EvaluateBatch(ctx, id, batch, wasmudf.TypeInvalid)
		if err != nil {
			b.Fatal(err)
		}
		out.Release()
	}
}

func BenchmarkEvaluateBatch(b *testing.B) {
	mem := memory.NewGoAllocator()
	for _, rows := range rowCounts {
		add := AddBatch(mem, rows)
		greet := GreetBatch(mem, rows)
		b.Run(fmt.Sprintf("add/rows=%d", rows), func(b *testing.B) { benchmarkEvaluateBatch(b, Add, add) })
		b.Run(fmt.Sprintf("greet/rows=%d", rows), func(b *testing.B) { benchmarkEvaluateBatch(b, Greet, greet) })
		add.Release()
		greet.Release()
	}
}

func BenchmarkHTTP(b *testing.B) {
	server := httptest.NewServer(wasmudf.NewHttpServer(newBridge()))
	defer server.Close()

	batch := AddBatch(memory.NewGoAllocator(), 1024)
	defer batch.Release()
	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(batch.Schema()))
	require.NoError(b, w.Write(batch))
	require.NoError(b, w.Close())
	url := fmt.Sprintf("%s/udf/%d", server.URL, Add)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := http.Post(url, "application/vnd.apache.arrow.stream", bytes.NewReader(body.Bytes()))
		if err != nil {
			b.Fatal(err)
		}
		rdr, err := ipc.NewReader(resp.Body)
		if err != nil {
			b.Fatal(err)
		}
		for rdr.Next() {
		}
		rdr.Release()
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b.Fatalf("status %d", resp.StatusCode)
		}
	}
}
