// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"

	"github.com/Query-farm/vgi-udf/udf"
)

// DispatchHook provides observability callpoints around request dispatch.
// Implementations must be safe for concurrent use (HTTP transport is concurrent).
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries request metadata passed to hooks.
type DispatchInfo struct {
	Method            string            // MethodCall or MethodDescribe
	Transport         string            // "pipe" or "http"
	ServerID          string            // Server identifier
	RequestID         string            // Client-supplied request identifier
	TransportMetadata map[string]string // IPC custom metadata or HTTP headers
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	InputBytes     int64 // payload bytes received
	InputTensors   int64
	TensorBytesIn  int64
	OutputBytes    int64 // payload bytes sent
	OutputTensors  int64
	TensorBytesOut int64
	LogMessages    int64
}

// RecordInput records the request payload and its tensor table.
func (s *CallStatistics) RecordInput(payload []byte, tensors udf.TensorTable) {
	s.InputBytes += int64(len(payload))
	s.InputTensors += int64(len(tensors))
	s.TensorBytesIn += tensors.ByteSize()
}

// RecordOutput records the response payload and its tensor table.
func (s *CallStatistics) RecordOutput(payload []byte, tensors udf.TensorTable) {
	s.OutputBytes += int64(len(payload))
	s.OutputTensors += int64(len(tensors))
	s.TensorBytesOut += tensors.ByteSize()
}
