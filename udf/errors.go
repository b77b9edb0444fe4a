// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"errors"
	"fmt"
)

// Sentinels for use with errors.Is. Each matches any error of the
// corresponding type anywhere in a chain.
var (
	ErrBindingResolution = &BindingResolutionError{}
	ErrDecode            = &DecodeError{}
	ErrEncode            = &EncodeError{}
	ErrUDFExecution      = &UDFExecutionError{}
	ErrUseAfterTeardown  = &UseAfterTeardownError{}
)

// BindingResolutionError reports that the coordinator could not resolve its
// helper bindings. It is fatal: the process cannot offer UDF execution.
type BindingResolutionError struct {
	Module string
	Symbol string // empty when the module itself failed
	Err    error
}

func (e *BindingResolutionError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("resolving %s.%s: %v", e.Module, e.Symbol, e.Err)
	}
	return fmt.Sprintf("resolving module %s: %v", e.Module, e.Err)
}

func (e *BindingResolutionError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *BindingResolutionError target.
func (e *BindingResolutionError) Is(target error) bool {
	_, ok := target.(*BindingResolutionError)
	return ok
}

// DecodeError reports a malformed payload or a tensor placeholder that does
// not resolve against the supplied table.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *DecodeError target.
func (e *DecodeError) Is(target error) bool {
	_, ok := target.(*DecodeError)
	return ok
}

// EncodeError reports a value that cannot be serialized.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string { return "encode: " + e.Reason }

// Is supports errors.Is by matching any *EncodeError target.
func (e *EncodeError) Is(target error) bool {
	_, ok := target.(*EncodeError)
	return ok
}

// UDFExecutionError carries an error raised by the invoked target inside the
// interpreter. It is a per-call result, not a process fault.
type UDFExecutionError struct {
	Target    string
	Type      string // e.g. "EvalError", "TypeError"
	Message   string
	Traceback string
}

func (e *UDFExecutionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %s", e.Target, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *UDFExecutionError target.
func (e *UDFExecutionError) Is(target error) bool {
	_, ok := target.(*UDFExecutionError)
	return ok
}

// UseAfterTeardownError reports a call made after [Cleanup]. It indicates a
// shutdown-ordering bug in the caller.
type UseAfterTeardownError struct {
	Op string
}

func (e *UseAfterTeardownError) Error() string {
	if e.Op == "" {
		return "udf coordinator used after teardown"
	}
	return fmt.Sprintf("udf coordinator: %s called after teardown", e.Op)
}

// Is supports errors.Is by matching any *UseAfterTeardownError target.
func (e *UseAfterTeardownError) Is(target error) bool {
	_, ok := target.(*UseAfterTeardownError)
	return ok
}

// executionError converts an error returned by a binding into the per-call
// error surfaced to callers. Interpreter errors become *UDFExecutionError;
// anything else is wrapped as an internal failure of the same kind so a
// misbehaving runtime never takes the worker down.
func executionError(target string, err error) error {
	var ie *InterpreterError
	if errors.As(err, &ie) {
		return &UDFExecutionError{
			Target:    target,
			Type:      ie.Type,
			Message:   ie.Message,
			Traceback: ie.Traceback,
		}
	}
	var ue *UDFExecutionError
	if errors.As(err, &ue) {
		return ue
	}
	return &UDFExecutionError{
		Target:  target,
		Type:    "RuntimeError",
		Message: err.Error(),
	}
}
