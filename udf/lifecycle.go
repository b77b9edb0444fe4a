// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"errors"
	"sync"
	"sync/atomic"
)

// singleton owns the process-wide coordinator. Construction happens once;
// after a failure the same error is returned to every caller.
type singleton struct {
	once sync.Once

	mu    sync.Mutex
	rt    Runtime
	built bool

	c   *Coordinator
	err error

	// resolutions counts binding resolution attempts.
	resolutions atomic.Int64
}

var process singleton

// Install registers the runtime the coordinator resolves its bindings
// against. It must be called before the first [Instance].
func Install(rt Runtime) error {
	return process.install(rt)
}

// Instance returns the process-wide coordinator, building it on first use.
// Concurrent first callers block until construction finishes and all see the
// same result. A *BindingResolutionError is fatal for UDF execution.
func Instance() (*Coordinator, error) {
	return process.instance()
}

// Cleanup tears down the process-wide coordinator. It is a no-op when the
// coordinator was never built or is already torn down. Call it after
// draining in-flight calls and before finalizing the interpreter.
func Cleanup() {
	process.cleanup()
}

// Lifecycle reports the state of the process-wide coordinator.
func Lifecycle() State {
	return process.state()
}

func (s *singleton) install(rt Runtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		return errors.New("udf: runtime installed after the coordinator was built")
	}
	s.rt = rt
	return nil
}

func (s *singleton) instance() (*Coordinator, error) {
	s.once.Do(func() {
		s.mu.Lock()
		rt := s.rt
		s.built = true
		s.mu.Unlock()

		s.resolutions.Add(1)
		s.c, s.err = newCoordinator(rt)
	})
	return s.c, s.err
}

func (s *singleton) cleanup() {
	s.mu.Lock()
	built := s.built
	s.mu.Unlock()
	if !built {
		return
	}
	// Waits for a construction still in progress.
	s.once.Do(func() {})
	if s.c != nil {
		s.c.Cleanup()
	}
}

func (s *singleton) state() State {
	s.mu.Lock()
	built := s.built
	s.mu.Unlock()
	if !built {
		return StateUninitialized
	}
	s.once.Do(func() {})
	if s.c == nil {
		return StateUninitialized
	}
	return s.c.State()
}
