// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"
	"sync"

	"github.com/Query-farm/vgi-udf/udf"
)

// CallContext collects the client-directed logs of one request.
type CallContext struct {
	RequestID string
	ServerID  string
	Method    string
	// LogLevel is the client-requested minimum severity. Messages below it
	// are dropped by [CallContext.ClientLog].
	LogLevel LogLevel

	mu   sync.Mutex
	logs []LogMessage
}

// ClientLog records a log message that will be sent to the client.
func (c *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	if logLevelPriority(level) > logLevelPriority(c.LogLevel) {
		return
	}
	logMsg := LogMessage{Level: level, Message: msg}
	if len(extras) > 0 {
		logMsg.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			logMsg.Extras[kv.Key] = kv.Value
		}
	}
	c.mu.Lock()
	c.logs = append(c.logs, logMsg)
	c.mu.Unlock()
}

// bind returns ctx with UDF print() output routed into the client log.
func (c *CallContext) bind(ctx context.Context) context.Context {
	return udf.WithPrintSink(ctx, func(msg string) {
		c.ClientLog(LogInfo, msg, KV{Key: "source", Value: "print"})
	})
}

// drainLogs returns and clears all accumulated log messages.
func (c *CallContext) drainLogs() []LogMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := c.logs
	c.logs = nil
	return logs
}
