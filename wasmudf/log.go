// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"log/slog"
)

// LogLevel represents the severity of a message logged by a callback.
type LogLevel string

const (
	LogError LogLevel = "ERROR"
	LogWarn  LogLevel = "WARN"
	LogInfo  LogLevel = "INFO"
	LogDebug LogLevel = "DEBUG"
)

// slogLevel maps a LogLevel onto the slog level used when the message is
// written to the bridge's logger.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// KV is a key-value pair for structured log extras.
type KV struct {
	Key   string
	Value string
}

// LogMessage is one message logged by a callback.
type LogMessage struct {
	Level   LogLevel
	Message string
	CallID  string
	Row     int
	Extras  map[string]string
}

// CallContext gives context-aware callbacks access to the call they run in.
// One CallContext is shared by every row of a call.
type CallContext struct {
	// Ctx is the context passed to the call.
	Ctx        context.Context
	FunctionID FunctionID
	CallID     string
	Transport  string
	// Row is the index of the row being evaluated.
	Row  int
	logs []LogMessage
}

// Log records a message. Messages are written to the bridge's logger when
// the call finishes and, on the HTTP transport, returned to the client as
// log batches.
func (cc *CallContext) Log(level LogLevel, msg string, extras ...KV) {
	m := LogMessage{Level: level, Message: msg, CallID: cc.CallID, Row: cc.Row}
	if len(extras) > 0 {
		m.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			m.Extras[kv.Key] = kv.Value
		}
	}
	cc.logs = append(cc.logs, m)
}

// drainLogs returns and clears all accumulated log messages.
func (cc *CallContext) drainLogs() []LogMessage {
	logs := cc.logs
	cc.logs = nil
	return logs
}

// emitLogs writes callback messages to logger.
func emitLogs(ctx context.Context, logger *slog.Logger, info DispatchInfo, logs []LogMessage) {
	for _, m := range logs {
		attrs := []any{"function_id", info.FunctionID, "call_id", info.CallID, "row", m.Row}
		for k, v := range m.Extras {
			attrs = append(attrs, k, v)
		}
		logger.Log(ctx, m.Level.slogLevel(), m.Message, attrs...)
	}
}
