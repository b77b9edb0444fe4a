// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// udfFunc is a Go stand-in for a UDF hosted by fakeRuntime.
type udfFunc func(ctx context.Context, args List, kwargs *Dict) (Value, error)

// fakeRuntime is an in-memory Runtime whose helper module dispatches to Go
// functions.
type fakeRuntime struct {
	*GIL

	version   string
	missing   string // symbol Lookup fails for
	importErr error

	mu    sync.Mutex
	funcs map[string]udfFunc

	imports  atomic.Int64
	live     atomic.Int64
	released atomic.Int64
	// unlocked counts binding calls made without the execution right.
	unlocked atomic.Int64
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{GIL: NewGIL(), version: HelperVersion, funcs: make(map[string]udfFunc)}
}

func (f *fakeRuntime) register(target string, fn udfFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[target] = fn
}

func (f *fakeRuntime) Import(name string) (Module, error) {
	f.imports.Add(1)
	if f.importErr != nil {
		return nil, f.importErr
	}
	if name != HelperModule {
		return nil, fmt.Errorf("no module named %q", name)
	}
	return &fakeModule{rt: f}, nil
}

type fakeModule struct{ rt *fakeRuntime }

func (m *fakeModule) Name() string    { return HelperModule }
func (m *fakeModule) Version() string { return m.rt.version }

func (m *fakeModule) Lookup(symbol string) (Binding, error) {
	if symbol == m.rt.missing || (symbol != SymbolInvoke && symbol != SymbolLoadResult) {
		return nil, fmt.Errorf("module has no attribute %q", symbol)
	}
	m.rt.live.Add(1)
	return &fakeBinding{rt: m.rt, symbol: symbol}, nil
}

type fakeBinding struct {
	rt       *fakeRuntime
	symbol   string
	released atomic.Bool
}

func (b *fakeBinding) Call(ctx context.Context, args ...Value) (Value, error) {
	if b.released.Load() {
		panic("binding called after release")
	}
	if b.rt.TryAcquire() {
		b.rt.GIL.Release()
		b.rt.unlocked.Add(1)
	}
	if b.symbol == SymbolLoadResult {
		return args[0], nil
	}

	target := args[0].(string)
	b.rt.mu.Lock()
	fn, ok := b.rt.funcs[target]
	b.rt.mu.Unlock()
	if !ok {
		return nil, &InterpreterError{Type: "NameError", Message: fmt.Sprintf("no function %s", target)}
	}
	return fn(ctx, args[1].(List), args[2].(*Dict))
}

func (b *fakeBinding) Release() {
	if b.released.Swap(true) {
		return
	}
	b.rt.live.Add(-1)
	b.rt.released.Add(1)
}

// addUDF implements add(x, y) = x + y[0] for an int64 and a tensor.
func addUDF(_ context.Context, args List, _ *Dict) (Value, error) {
	if len(args) != 2 {
		return nil, &InterpreterError{Type: "TypeError", Message: "add() takes 2 arguments"}
	}
	x, ok := args[0].(int64)
	if !ok {
		return nil, &InterpreterError{Type: "TypeError", Message: "x must be int"}
	}
	y, ok := args[1].(*Tensor)
	if !ok {
		return nil, &InterpreterError{Type: "TypeError", Message: "y must be a tensor"}
	}
	first, err := y.Element(0)
	if err != nil {
		return nil, &InterpreterError{Type: "IndexError", Message: err.Error()}
	}
	return x + first.(int64), nil
}

var errBoom = errors.New("boom")
