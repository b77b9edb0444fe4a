// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/Query-farm/vgi-udf/udf"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError is an error reported by the peer in an EXCEPTION-level batch.
type RpcError struct {
	Type      string // e.g. "DecodeError", "ProtocolError"
	Message   string
	Traceback string
	RequestID string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// ErrorType returns the wire name of err's kind.
func ErrorType(err error) string {
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	var ue *udf.UDFExecutionError
	if errors.As(err, &ue) {
		return ue.Type
	}
	switch {
	case errors.Is(err, udf.ErrDecode):
		return "DecodeError"
	case errors.Is(err, udf.ErrEncode):
		return "EncodeError"
	case errors.Is(err, udf.ErrUseAfterTeardown):
		return "UseAfterTeardownError"
	case errors.Is(err, udf.ErrBindingResolution):
		return "BindingResolutionError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	}
	return fmt.Sprintf("%T", err)
}

// stackFrame is a single frame of a Go stack trace.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to vgi_udf.log_extra for
// EXCEPTION-level log batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Traceback        string       `json:"traceback"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra creates the JSON string for vgi_udf.log_extra. Go stack
// frames are attached only when debug is set.
func buildErrorExtra(err error, debug bool) string {
	extra := errorExtra{
		ExceptionType:    ErrorType(err),
		ExceptionMessage: err.Error(),
	}
	var rpcErr *RpcError
	var ue *udf.UDFExecutionError
	switch {
	case errors.As(err, &rpcErr):
		extra.ExceptionMessage = rpcErr.Message
		extra.Traceback = rpcErr.Traceback
	case errors.As(err, &ue):
		extra.ExceptionMessage = ue.Message
		extra.Traceback = ue.Traceback
	}

	if debug {
		if extra.Traceback == "" {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			extra.Traceback = string(buf[:n])
		}
		pcs := make([]uintptr, 10)
		if n := runtime.Callers(2, pcs); n > 0 {
			callersFrames := runtime.CallersFrames(pcs[:n])
			for len(extra.Frames) < 5 {
				frame, more := callersFrames.Next()
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}

// parseErrorExtra rebuilds the peer's error from an EXCEPTION batch.
func parseErrorExtra(message, extraJSON, requestID string) *RpcError {
	rpcErr := &RpcError{Type: "RemoteError", Message: message, RequestID: requestID}
	var extra errorExtra
	if extraJSON != "" && json.Unmarshal([]byte(extraJSON), &extra) == nil {
		if extra.ExceptionType != "" {
			rpcErr.Type = extra.ExceptionType
		}
		if extra.ExceptionMessage != "" {
			rpcErr.Message = extra.ExceptionMessage
		}
		rpcErr.Traceback = extra.Traceback
	}
	return rpcErr
}
