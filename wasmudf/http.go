// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/zstd"
)

const (
	arrowContentType      = "application/vnd.apache.arrow.stream"
	zstdEncoding          = "zstd"
	defaultPrefix         = "/udf"
	defaultMaxRequestSize = 64 << 20
	// defaultCompressionLevel is zstd level 3, klauspost's SpeedDefault.
	defaultCompressionLevel = 3
)

// HttpServer serves a Bridge over HTTP. Each request body is an Arrow IPC
// stream of argument batches (column i is argument i); the response is an
// IPC stream with one result batch per argument batch, preceded by any
// messages the callback logged. Failures end the stream with an error batch.
//
// Routes, relative to the prefix:
//
//	POST /{id}          evaluate function id
//	GET  /__describe__  describe batch (Arrow IPC)
//	GET  /              HTML function listing
type HttpServer struct {
	bridge         *Bridge
	prefix         string
	mux            *http.ServeMux
	maxRequestSize int64
	encoder        *zstd.Encoder
	decoder        *zstd.Decoder
}

// NewHttpServer creates an HTTP server for bridge under the "/udf" prefix.
func NewHttpServer(bridge *Bridge) *HttpServer {
	h := &HttpServer{
		bridge: bridge,
		prefix: defaultPrefix,
	}
	h.SetCompressionLevel(defaultCompressionLevel)
	h.SetMaxRequestSize(defaultMaxRequestSize)
	h.routes()
	return h
}

func (h *HttpServer) routes() {
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{id}", h.prefix), h.handleCall)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/__describe__", h.prefix), h.handleDescribe)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/{$}", h.prefix), h.handleLandingPage)
	if h.prefix != "" {
		h.mux.HandleFunc(fmt.Sprintf("GET %s", h.prefix), h.handleLandingPage)
	}
	h.mux.HandleFunc(fmt.Sprintf("%s/", h.prefix), h.handleNotFound)
}

// SetPrefix sets the URL prefix, for example "/udf". It must be called
// before the server handles requests.
func (h *HttpServer) SetPrefix(prefix string) {
	h.prefix = "/" + strings.Trim(prefix, "/")
	if h.prefix == "/" {
		h.prefix = ""
	}
	h.routes()
}

// Prefix returns the URL prefix.
func (h *HttpServer) Prefix() string { return h.prefix }

// SetCompressionLevel sets the zstd level used for responses to clients that
// accept zstd. Levels follow zstd's numbering (1 fastest, 22 smallest).
func (h *HttpServer) SetCompressionLevel(level int) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		h.bridge.log().Error("zstd encoder", "level", level, "err", err)
		return
	}
	if h.encoder != nil {
		_ = h.encoder.Close()
	}
	h.encoder = enc
}

// SetMaxRequestSize limits the request body size, both as received and
// after decompression.
func (h *HttpServer) SetMaxRequestSize(n int64) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(n)))
	if err != nil {
		h.bridge.log().Error("zstd decoder", "max", n, "err", err)
		return
	}
	if h.decoder != nil {
		h.decoder.Close()
	}
	h.maxRequestSize = n
	h.decoder = dec
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// statusFor maps a call error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownFunction):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidDescriptor), errors.Is(err, ErrInvalidArgumentBuffer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleCall evaluates one function over every batch of the request.
func (h *HttpServer) handleCall(w http.ResponseWriter, r *http.Request) {
	id64, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest,
			&BridgeError{Kind: KindInvalidDescriptor, Message: fmt.Sprintf("invalid function id %q", r.PathValue("id")), Row: -1, Arg: -1}, nil)
		return
	}
	id := FunctionID(id64)

	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			fmt.Errorf("unsupported content type: %s", ct), nil)
		return
	}

	fn, ok := h.bridge.registry.Resolve(id)
	if !ok {
		err := newError(KindUnknownFunction, id, "Unknown UDF with id: %d", id)
		h.writeHttpError(w, r, statusFor(err), err, nil)
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, err, nil)
		return
	}

	reader, err := ipc.NewReader(bytes.NewReader(body), ipc.WithAllocator(h.bridge.arrowAllocator()))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest,
			&BridgeError{Kind: KindInvalidDescriptor, Message: fmt.Sprintf("reading request IPC stream: %v", err), FunctionID: id, Row: -1, Arg: -1}, nil)
		return
	}
	defer reader.Release()

	ret, err := h.returnType(r, reader.Schema(), fn)
	if err != nil {
		h.writeHttpError(w, r, statusFor(err), err, nil)
		return
	}
	schema, err := ResultSchema(ret)
	if err != nil {
		h.writeHttpError(w, r, http.StatusInternalServerError, err, nil)
		return
	}

	meta := transportMetadata(r)
	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	status := http.StatusOK
	for reader.Next() {
		out, logs, err := h.bridge.evaluateBatch(r.Context(), id, reader.RecordBatch(), ret, TransportHTTP, meta)
		for _, m := range logs {
			if werr := writeLogBatch(writer, schema, m); werr != nil {
				h.bridge.log().Error("failed to write log batch", "err", werr)
			}
		}
		if err != nil {
			status = statusFor(err)
			if werr := writeErrorBatch(writer, schema, err, h.bridge.debugErrors); werr != nil {
				h.bridge.log().Error("failed to write error batch", "err", werr)
			}
			break
		}
		batch := array.NewRecordBatch(schema, []arrow.Array{out}, int64(out.Len()))
		werr := writer.Write(batch)
		batch.Release()
		out.Release()
		if werr != nil {
			h.bridge.log().Error("failed to write result batch", "err", werr)
			status = http.StatusInternalServerError
			break
		}
	}
	if err := reader.Err(); err != nil && status == http.StatusOK {
		status = http.StatusBadRequest
		_ = writeErrorBatch(writer, schema,
			&BridgeError{Kind: KindInvalidArgumentBuffer, Message: fmt.Sprintf("reading argument batch: %v", err), FunctionID: id, Row: -1, Arg: -1},
			h.bridge.debugErrors)
	}
	if err := writer.Close(); err != nil {
		h.bridge.log().Error("failed to close IPC writer", "err", err)
	}
	h.writeArrow(w, r, status, buf.Bytes())
}

// returnType picks the result type: the "ret" query parameter, then the
// request schema metadata, then the function's declared return type.
func (h *HttpServer) returnType(r *http.Request, schema *arrow.Schema, fn *Function) (PhysicalType, error) {
	if tag := r.URL.Query().Get("ret"); tag != "" {
		var t PhysicalType
		if err := t.UnmarshalText([]byte(tag)); err != nil {
			return TypeInvalid, newError(KindInvalidResultBuffer, fn.ID, "ret parameter: %v", err)
		}
		return t, nil
	}
	t, err := requestReturnType(schema)
	if err != nil {
		return TypeInvalid, newError(KindInvalidResultBuffer, fn.ID, "%s: %v", MetaReturnType, err)
	}
	if t == TypeInvalid {
		t = fn.Return
	}
	if t == TypeInvalid {
		return TypeInvalid, newError(KindInvalidResultBuffer, fn.ID,
			"%s declares no return type; pass ?ret= or %s", fn.Signature(), MetaReturnType)
	}
	return t, nil
}

// transportMetadata collects the request details exposed to dispatch hooks.
func transportMetadata(r *http.Request) map[string]string {
	meta := map[string]string{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
	for _, k := range []string{"traceparent", "tracestate"} {
		if v := r.Header.Get(k); v != "" {
			meta[k] = v
		}
	}
	return meta
}

// readBody reads the request body, decompressing zstd bodies.
func (h *HttpServer) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxRequestSize {
		return nil, fmt.Errorf("request body exceeds %d bytes", h.maxRequestSize)
	}
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return body, nil
	case zstdEncoding:
		out, err := h.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decoding zstd body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", enc)
	}
}

// handleDescribe returns the describe batch.
func (h *HttpServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	batch := h.bridge.Describe()
	defer batch.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(describeSchema))
	_ = writer.Write(batch)
	_ = writer.Close()

	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if name == zstdEncoding {
			return true
		}
	}
	return false
}

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error, schema *arrow.Schema) {
	var buf bytes.Buffer
	_ = WriteErrorResponse(&buf, schema, err, h.bridge.debugErrors)
	h.writeArrow(w, r, statusCode, buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	w.Header().Add("Vary", "Accept-Encoding")
	if h.encoder != nil && acceptsZstd(r) {
		data = h.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		w.Header().Set("Content-Encoding", zstdEncoding)
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
