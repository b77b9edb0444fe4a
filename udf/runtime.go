// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pinned helper module resolved by the coordinator at construction.
const (
	HelperModule  = "vgi_udf.internal"
	HelperVersion = "1"

	// Symbols looked up in [HelperModule].
	SymbolInvoke     = "invoke"
	SymbolLoadResult = "load_result"
)

// Runtime is the embedded interpreter hosting UDFs. Implementations must be
// safe for concurrent use; execution serialization is expressed through
// Acquire and Release rather than hidden inside Call.
type Runtime interface {
	// Import returns the named module.
	Import(name string) (Module, error)
	// Acquire blocks until the caller holds the interpreter's exclusive
	// execution right or ctx is done.
	Acquire(ctx context.Context) error
	// Release gives the execution right back.
	Release()
}

// Module is an imported interpreter module.
type Module interface {
	Name() string
	Version() string
	Lookup(symbol string) (Binding, error)
}

// Binding is a long-lived handle to an interpreter callable. The holder owns
// it until Release; it must not be called after Release.
type Binding interface {
	// Call invokes the callable. The caller holds the execution right.
	// Errors raised inside the interpreter are returned as *InterpreterError.
	Call(ctx context.Context, args ...Value) (Value, error)
	Release()
}

// InterpreterError is an error raised by interpreter code, as opposed to a
// failure of the runtime itself.
type InterpreterError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *InterpreterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// GIL is a process-wide exclusive execution right. Runtimes whose
// interpreter serializes execution embed one and hand it out through
// Acquire/Release.
type GIL struct {
	sem *semaphore.Weighted
}

// NewGIL returns an unheld lock.
func NewGIL() *GIL {
	return &GIL{sem: semaphore.NewWeighted(1)}
}

// Acquire waits for the lock. Waiting is the only suspension point of a
// call and it honours ctx cancellation.
func (g *GIL) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock only if it is free.
func (g *GIL) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release gives the lock back.
func (g *GIL) Release() {
	g.sem.Release(1)
}
