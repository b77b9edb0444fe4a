// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package starlarkrt

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.starlark.net/starlark"

	"github.com/Query-farm/vgi-udf/udf"
)

//go:embed helpers.star
var helperSource string

// Runtime is an embedded Starlark interpreter. It is safe for concurrent
// use; calls into interpreter code are serialized by the embedded GIL.
type Runtime struct {
	*udf.GIL

	mu        sync.Mutex
	helper    starlark.StringDict
	modules   map[string]starlark.StringDict
	live      map[*binding]struct{}
	finalized bool

	lateReleases atomic.Int64
}

var _ udf.Runtime = (*Runtime)(nil)

// New creates a runtime with the helper module loaded.
func New() (*Runtime, error) {
	r := &Runtime{
		GIL:     udf.NewGIL(),
		modules: make(map[string]starlark.StringDict),
		live:    make(map[*binding]struct{}),
	}
	predeclared := starlark.StringDict{
		"resolve": starlark.NewBuiltin("resolve", r.resolve),
		"tensor":  starlark.NewBuiltin("tensor", makeTensor),
	}
	thread := &starlark.Thread{Name: "helper-init"}
	globals, err := starlark.ExecFile(thread, udf.HelperModule+".star", helperSource, predeclared)
	if err != nil {
		return nil, fmt.Errorf("loading helper module: %w", err)
	}
	globals.Freeze()
	r.helper = globals
	return r, nil
}

// RegisterModule executes src as the UDF module name. Its globals are frozen
// after execution. A module may load modules registered before it.
func (r *Runtime) RegisterModule(name, src string) error {
	if name == "" || name == udf.HelperModule {
		return fmt.Errorf("invalid module name %q", name)
	}
	r.mu.Lock()
	_, dup := r.modules[name]
	finalized := r.finalized
	r.mu.Unlock()
	if finalized {
		return fmt.Errorf("registering %q: interpreter finalized", name)
	}
	if dup {
		return fmt.Errorf("module %q already registered", name)
	}

	if err := r.Acquire(context.Background()); err != nil {
		return err
	}
	defer r.Release()

	thread := &starlark.Thread{Name: "load:" + name, Load: r.load}
	globals, err := starlark.ExecFile(thread, name+".star", src, predeclared())
	if err != nil {
		return fmt.Errorf("loading module %q: %w", name, err)
	}
	globals.Freeze()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modules[name]; dup {
		return fmt.Errorf("module %q already registered", name)
	}
	r.modules[name] = globals
	slog.Debug("udf module registered", "module", name, "globals", len(globals))
	return nil
}

// RegisterFile registers the Starlark file at path under its base name
// without extension.
func (r *Runtime) RegisterFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return r.RegisterModule(name, string(src))
}

// Functions lists the callable globals of every registered module as
// "module.function", sorted.
func (r *Runtime) Functions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for mod, globals := range r.modules {
		for name, v := range globals {
			if _, ok := v.(starlark.Callable); ok && !strings.HasPrefix(name, "_") {
				names = append(names, mod+"."+name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Import returns the helper module or a registered UDF module.
func (r *Runtime) Import(name string) (udf.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil, fmt.Errorf("import %q: interpreter finalized", name)
	}
	if name == udf.HelperModule {
		return &module{rt: r, name: name, globals: r.helper}, nil
	}
	globals, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("no module named %q", name)
	}
	return &module{rt: r, name: name, globals: globals}, nil
}

// LiveBindings returns the number of bindings handed out and not released.
func (r *Runtime) LiveBindings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// LateReleases returns the number of bindings released after Finalize.
func (r *Runtime) LateReleases() int64 {
	return r.lateReleases.Load()
}

// Finalize shuts the interpreter down. It returns an error if bindings are
// still live, meaning their owner skipped its teardown. Later calls are no-ops.
func (r *Runtime) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil
	}
	r.finalized = true
	if n := len(r.live); n > 0 {
		names := make([]string, 0, n)
		for b := range r.live {
			names = append(names, b.name)
		}
		sort.Strings(names)
		return fmt.Errorf("interpreter finalized with %d live bindings: %s", n, strings.Join(names, ", "))
	}
	return nil
}

// resolve implements the helper's resolve(target) builtin.
func (r *Runtime) resolve(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &target); err != nil {
		return nil, err
	}
	i := strings.LastIndexByte(target, '.')
	if i <= 0 {
		return nil, fmt.Errorf("invalid call target %q", target)
	}
	modName, fnName := target[:i], target[i+1:]

	r.mu.Lock()
	globals, ok := r.modules[modName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no module named %q", modName)
	}
	fn, ok := globals[fnName].(starlark.Callable)
	if !ok || strings.HasPrefix(fnName, "_") {
		return nil, fmt.Errorf("module %q has no function %q", modName, fnName)
	}
	return fn, nil
}

// load lets UDF modules load("name", ...) other registered modules.
func (r *Runtime) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	name = strings.TrimSuffix(name, ".star")
	r.mu.Lock()
	defer r.mu.Unlock()
	globals, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("no module named %q", name)
	}
	return globals, nil
}

func (r *Runtime) newThread(ctx context.Context, name string) *starlark.Thread {
	sink := udf.PrintSinkFrom(ctx)
	return &starlark.Thread{
		Name: name,
		Load: r.load,
		Print: func(_ *starlark.Thread, msg string) {
			if sink != nil {
				sink(msg)
				return
			}
			slog.Debug("udf print", "thread", name, "msg", msg)
		},
	}
}

func (r *Runtime) track(b *binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return fmt.Errorf("lookup %q: interpreter finalized", b.name)
	}
	r.live[b] = struct{}{}
	return nil
}

func (r *Runtime) untrack(b *binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		r.lateReleases.Add(1)
		slog.Error("binding released after interpreter finalization", "binding", b.name)
		return
	}
	delete(r.live, b)
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"tensor": starlark.NewBuiltin("tensor", makeTensor),
	}
}

// module is an imported Starlark module.
type module struct {
	rt      *Runtime
	name    string
	globals starlark.StringDict
}

func (m *module) Name() string { return m.name }

func (m *module) Version() string {
	if v, ok := m.globals["VERSION"].(starlark.String); ok {
		return string(v)
	}
	return ""
}

func (m *module) Lookup(symbol string) (udf.Binding, error) {
	fn, ok := m.globals[symbol].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("module %q has no callable %q", m.name, symbol)
	}
	b := &binding{rt: m.rt, name: m.name + "." + symbol, fn: fn}
	if err := m.rt.track(b); err != nil {
		return nil, err
	}
	return b, nil
}

// binding is a held reference to a Starlark callable.
type binding struct {
	rt       *Runtime
	name     string
	fn       starlark.Callable
	released atomic.Bool
}

func (b *binding) Call(ctx context.Context, args ...udf.Value) (udf.Value, error) {
	if b.released.Load() {
		return nil, fmt.Errorf("binding %s called after release", b.name)
	}
	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := toStarlark(a, 0)
		if err != nil {
			return nil, &udf.InterpreterError{Type: "TypeError", Message: fmt.Sprintf("argument %d: %v", i, err)}
		}
		sargs[i] = v
	}
	res, err := starlark.Call(b.rt.newThread(ctx, b.name), b.fn, sargs, nil)
	if err != nil {
		return nil, interpreterError(err)
	}
	out, err := fromStarlark(res, 0)
	if err != nil {
		return nil, &udf.InterpreterError{Type: "TypeError", Message: fmt.Sprintf("result: %v", err)}
	}
	return out, nil
}

func (b *binding) Release() {
	if b.released.Swap(true) {
		return
	}
	b.rt.untrack(b)
}
