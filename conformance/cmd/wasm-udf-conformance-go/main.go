// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/wasm-udf/conformance"
	"github.com/Query-farm/wasm-udf/wasmudf"
	udfotel "github.com/Query-farm/wasm-udf/wasmudf/otel"
	"github.com/alecthomas/kong"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Globals struct {
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	DebugErrors bool   `help:"Include stack traces in error messages." default:"true" negatable:""`
	Float64     bool   `help:"Use float64 slots, as duckdb-wasm's HEAPF64 does." name:"float64-slots"`
}

var cli struct {
	Globals

	Serve    serveCmd    `cmd:"" help:"Serve the conformance functions over HTTP."`
	Describe describeCmd `cmd:"" help:"Print the registered functions."`
	Selftest selftestCmd `cmd:"" help:"Run the conformance cases in process."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("wasm-udf-conformance-go"),
		kong.Description("Conformance fixtures for the scalar UDF bridge."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

func (g *Globals) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(g.LogLevel))
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "[15:04:05.000]",
	}))
}

func (g *Globals) bridge(logger *slog.Logger) *wasmudf.Bridge {
	reg := wasmudf.NewRegistry()
	conformance.RegisterFunctions(reg)
	bridge := wasmudf.NewBridge(reg)
	bridge.SetDebugErrors(g.DebugErrors)
	bridge.SetLogger(logger)
	if g.Float64 {
		bridge.SetSlotEncoding(wasmudf.SlotFloat64)
	}
	return bridge
}

type serveCmd struct {
	Addr        string `help:"Listen address." default:"127.0.0.1:0"`
	Prefix      string `help:"URL prefix." default:"/udf"`
	Compression int    `help:"zstd level for compressed responses." default:"3"`
	Trace       bool   `help:"Export spans to stderr."`
	Metrics     bool   `help:"Export metrics to stderr."`
}

func (c *serveCmd) Run(g *Globals) error {
	logger := g.logger(os.Stderr)
	bridge := g.bridge(logger)

	shutdown, err := c.instrument(bridge)
	if err != nil {
		return err
	}
	defer shutdown()

	httpServer := wasmudf.NewHttpServer(bridge)
	httpServer.SetPrefix(c.Prefix)
	httpServer.SetCompressionLevel(c.Compression)

	listener, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Printf("PORT:%d\n", port)
	_ = os.Stdout.Sync()
	logger.Info("serving", "addr", listener.Addr().String(), "prefix", httpServer.Prefix(), "functions", bridge.Registry().Len())

	srv := &http.Server{Handler: httpServer}

	// Catch SIGTERM/SIGINT so the process exits cleanly and flushes
	// exporters and coverage data.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve error: %w", err)
	}
	return nil
}

// instrument attaches stdout exporters when requested. The returned function
// flushes and stops them.
func (c *serveCmd) instrument(bridge *wasmudf.Bridge) (func(), error) {
	if !c.Trace && !c.Metrics {
		return func() {}, nil
	}
	cfg := udfotel.DefaultConfig()
	cfg.ServiceName = "wasm-udf-conformance-go"
	cfg.Propagator = propagation.TraceContext{}
	cfg.EnableTracing = c.Trace
	cfg.EnableMetrics = c.Metrics

	var stops []func(context.Context) error
	if c.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		cfg.TracerProvider = tp
		stops = append(stops, tp.Shutdown)
	}
	if c.Metrics {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		cfg.MeterProvider = mp
		stops = append(stops, mp.Shutdown)
	}
	udfotel.InstrumentBridge(bridge, cfg)

	return func() {
		for _, stop := range stops {
			_ = stop(context.Background())
		}
	}, nil
}

type describeCmd struct{}

func (c *describeCmd) Run(g *Globals) error {
	bridge := g.bridge(g.logger(os.Stderr))
	batch := bridge.Describe()
	defer batch.Release()

	ids := batch.Column(0).(*array.Uint32)
	sigs := batch.Column(2).(*array.String)
	contextAware := batch.Column(5).(*array.Boolean)
	for i := 0; i < int(batch.NumRows()); i++ {
		marker := ""
		if contextAware.Value(i) {
			marker = "  [context]"
		}
		fmt.Printf("%4d  %s%s\n", ids.Value(i), sigs.Value(i), marker)
	}
	return nil
}

type selftestCmd struct {
	ArenaSize uint32 `help:"Arena size in bytes per case." default:"65536"`
	Verbose   bool   `short:"v" help:"Print every case, not just failures."`
}

func (c *selftestCmd) Run(g *Globals) error {
	bridge := g.bridge(g.logger(os.Stderr))
	results := conformance.RunCases(context.Background(), bridge, c.ArenaSize)
	failed := 0
	for _, r := range results {
		switch {
		case !r.Passed():
			failed++
			fmt.Printf("FAIL  %s: %v\n", r.Name, r.Err)
		case c.Verbose:
			fmt.Printf("ok    %s\n", r.Name)
		}
	}
	fmt.Printf("%d/%d passed (%s slots)\n", len(results)-failed, len(results), bridge.SlotEncoding())
	if failed > 0 {
		return fmt.Errorf("%d conformance cases failed", failed)
	}
	return nil
}
