// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of the coordinator.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats holds cumulative call counters.
type Stats struct {
	Executed       int64 // ExecuteCall invocations that reached the interpreter
	Failed         int64 // of those, calls whose target raised
	Loaded         int64 // successful LoadResult calls
	DecodeFailures int64 // payloads rejected by the codec
}

// Coordinator executes remote UDF calls inside the embedded interpreter and
// loads their results on the calling side. Use [Instance] to obtain the
// process-wide coordinator.
type Coordinator struct {
	rt Runtime

	// mu is held shared by calls and exclusively by Cleanup, so teardown
	// never releases a binding under a running call.
	mu         sync.RWMutex
	state      atomic.Int32
	invoke     Binding
	loadResult Binding

	executed       atomic.Int64
	failed         atomic.Int64
	loaded         atomic.Int64
	decodeFailures atomic.Int64
}

// newCoordinator resolves the helper bindings against rt.
func newCoordinator(rt Runtime) (*Coordinator, error) {
	if rt == nil {
		return nil, &BindingResolutionError{Module: HelperModule, Err: errors.New("no runtime installed")}
	}
	mod, err := rt.Import(HelperModule)
	if err != nil {
		return nil, &BindingResolutionError{Module: HelperModule, Err: err}
	}
	if v := mod.Version(); v != HelperVersion {
		return nil, &BindingResolutionError{
			Module: HelperModule,
			Err:    fmt.Errorf("helper version %q, expected %q", v, HelperVersion),
		}
	}
	invoke, err := mod.Lookup(SymbolInvoke)
	if err != nil {
		return nil, &BindingResolutionError{Module: HelperModule, Symbol: SymbolInvoke, Err: err}
	}
	loadResult, err := mod.Lookup(SymbolLoadResult)
	if err != nil {
		invoke.Release()
		return nil, &BindingResolutionError{Module: HelperModule, Symbol: SymbolLoadResult, Err: err}
	}

	c := &Coordinator{rt: rt, invoke: invoke, loadResult: loadResult}
	c.state.Store(int32(StateReady))
	slog.Info("udf coordinator ready", "module", HelperModule, "version", HelperVersion)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the call counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Executed:       c.executed.Load(),
		Failed:         c.failed.Load(),
		Loaded:         c.loaded.Load(),
		DecodeFailures: c.decodeFailures.Load(),
	}
}

// ExecuteCall runs the call described by payload and requestTensors and
// returns the encoded result. A target that raises yields a
// *UDFExecutionError; malformed input yields a *DecodeError.
func (c *Coordinator) ExecuteCall(ctx context.Context, payload []byte, requestTensors TensorTable) ([]byte, TensorTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.State() != StateReady {
		return nil, nil, &UseAfterTeardownError{Op: "ExecuteCall"}
	}

	call, err := DecodeCall(payload, requestTensors)
	if err != nil {
		c.decodeFailures.Add(1)
		return nil, nil, err
	}

	c.executed.Add(1)
	result, err := c.callBinding(ctx, c.invoke, call.Target, call.Args, call.Kwargs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, nil, fmt.Errorf("waiting for interpreter: %w", err)
		}
		c.failed.Add(1)
		uerr := executionError(call.Target, err)
		slog.Debug("udf call failed", "target", call.Target, "err", uerr)
		return nil, nil, uerr
	}

	out, table, err := Encode(result)
	if err != nil {
		c.failed.Add(1)
		return nil, nil, &UDFExecutionError{Target: call.Target, Type: "SerializationError", Message: err.Error()}
	}
	return out, table, nil
}

// LoadResult decodes a result received from a remote peer. A result that
// carries a remote error is returned as a *UDFExecutionError.
func (c *Coordinator) LoadResult(ctx context.Context, payload []byte, tensors TensorTable) (Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.State() != StateReady {
		return nil, &UseAfterTeardownError{Op: "LoadResult"}
	}

	v, err := Decode(payload, tensors)
	if err != nil {
		c.decodeFailures.Add(1)
		return nil, err
	}
	if re, ok := v.(*RemoteError); ok {
		return nil, &UDFExecutionError{Type: re.Type, Message: re.Message, Traceback: re.Traceback}
	}

	out, err := c.callBinding(ctx, c.loadResult, v)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("waiting for interpreter: %w", err)
		}
		return nil, executionError(SymbolLoadResult, err)
	}
	c.loaded.Add(1)
	return out, nil
}

// callBinding calls b while holding the execution right. A panic inside the
// runtime is returned as an *InterpreterError.
func (c *Coordinator) callBinding(ctx context.Context, b Binding, args ...Value) (result Value, err error) {
	if err := c.rt.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.rt.Release()
	defer func() {
		if rv := recover(); rv != nil {
			result = nil
			err = &InterpreterError{Type: "RuntimeError", Message: fmt.Sprintf("panic: %v", rv)}
		}
	}()
	return b.Call(ctx, args...)
}

// Cleanup releases both bindings and moves the coordinator to
// [StateTornDown]. It waits for in-flight calls. Calling it more than once is
// a no-op.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateReady {
		return
	}

	// Bindings are interpreter objects; release them under the execution right.
	if err := c.rt.Acquire(context.Background()); err != nil {
		slog.Error("udf cleanup: acquiring interpreter", "err", err)
	} else {
		defer c.rt.Release()
	}
	c.invoke.Release()
	c.loadResult.Release()
	c.invoke, c.loadResult = nil, nil

	c.state.Store(int32(StateTornDown))
	slog.Info("udf coordinator torn down",
		"executed", c.executed.Load(), "failed", c.failed.Load())
}

// EncodeRemoteError encodes err as a result payload carrying a
// [*RemoteError], so a transport can return a failure in-band. The calling
// side's [Coordinator.LoadResult] turns it back into a *UDFExecutionError.
func EncodeRemoteError(err error) ([]byte, TensorTable, error) {
	re := &RemoteError{Type: "RuntimeError", Message: err.Error()}
	var ue *UDFExecutionError
	if errors.As(err, &ue) {
		re.Type, re.Message, re.Traceback = ue.Type, ue.Message, ue.Traceback
	}
	return Encode(re)
}
