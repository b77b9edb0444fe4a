// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udfrpc"
)

// Case is one conformance call and its expected outcome.
type Case struct {
	Name   string
	Target string
	Args   udf.List
	Kwargs *udf.Dict

	// Want is the expected result. Ignored when WantErr is set.
	Want udf.Value
	// WantErr is the expected UDFExecutionError type.
	WantErr string
	// WantLogs are the expected INFO log messages, in order.
	WantLogs []string
	// WantTensors, when positive, is the expected size of the result table.
	WantTensors int
}

func target(fn string) string { return ModuleName + "." + fn }

// Cases returns the conformance suite. Each call allocates fresh tensors.
func Cases() []Case {
	counts := udf.NewInt64Tensor(1, 2, 3, 4)
	shared := udf.NewFloat64Tensor(0.5, 1.5)

	return []Case{
		{Name: "echo_string", Target: target("echo_string"), Args: udf.List{"hello"}, Want: "hello"},
		{Name: "echo_string_unicode", Target: target("echo_string"), Args: udf.List{"héllo wörld"}, Want: "héllo wörld"},
		{Name: "echo_bytes", Target: target("echo_bytes"), Args: udf.List{[]byte{0x00, 0xff, 0x10}}, Want: []byte{0x00, 0xff, 0x10}},
		{Name: "echo_bytes_empty", Target: target("echo_bytes"), Args: udf.List{[]byte{}}, Want: []byte{}},
		{Name: "echo_int", Target: target("echo_int"), Args: udf.List{int64(-42)}, Want: int64(-42)},
		{Name: "echo_int_max", Target: target("echo_int"), Args: udf.List{int64(math.MaxInt64)}, Want: int64(math.MaxInt64)},
		{Name: "echo_float", Target: target("echo_float"), Args: udf.List{3.25}, Want: 3.25},
		{Name: "echo_bool", Target: target("echo_bool"), Args: udf.List{true}, Want: true},
		{Name: "void_noop", Target: target("void_noop"), Want: nil},
		{Name: "echo_list", Target: target("echo_list"), Args: udf.List{udf.List{"a", "b", "c"}}, Want: udf.List{"a", "b", "c"}},
		{Name: "echo_list_empty", Target: target("echo_list"), Args: udf.List{udf.List{}}, Want: udf.List{}},
		{
			Name:   "echo_dict",
			Target: target("echo_dict"),
			Args:   udf.List{udf.DictOf("z", int64(1), "a", int64(2))},
			Want:   udf.DictOf("z", int64(1), "a", int64(2)),
		},
		{
			Name:   "echo_nested_list",
			Target: target("echo_nested_list"),
			Args:   udf.List{udf.List{udf.List{int64(1), int64(2)}, udf.List{int64(3)}}},
			Want:   udf.List{udf.List{int64(1), int64(2)}, udf.List{int64(3)}},
		},
		{Name: "echo_tuple", Target: target("echo_tuple"), Args: udf.List{int64(1), "x"}, Want: udf.Tuple{int64(1), "x"}},
		{Name: "echo_optional_default", Target: target("echo_optional"), Want: nil},
		{Name: "echo_optional_value", Target: target("echo_optional"), Kwargs: udf.DictOf("value", "set"), Want: "set"},
		{Name: "add_floats", Target: target("add_floats"), Args: udf.List{1.5, 2.25}, Want: 3.75},
		{Name: "concatenate", Target: target("concatenate"), Args: udf.List{"a", "b"}, Want: "a-b"},
		{
			Name:   "concatenate_separator",
			Target: target("concatenate"),
			Args:   udf.List{"a", "b"},
			Kwargs: udf.DictOf("separator", "+"),
			Want:   "a+b",
		},
		{
			Name:   "with_defaults",
			Target: target("with_defaults"),
			Args:   udf.List{int64(1)},
			Want:   udf.DictOf("required", int64(1), "optional_str", "default", "optional_int", int64(42)),
		},
		{
			Name:   "with_defaults_overridden",
			Target: target("with_defaults"),
			Args:   udf.List{int64(1)},
			Kwargs: udf.DictOf("optional_int", int64(7)),
			Want:   udf.DictOf("required", int64(1), "optional_str", "default", "optional_int", int64(7)),
		},
		{Name: "tensor_sum", Target: target("tensor_sum"), Args: udf.List{counts}, Want: int64(10)},
		{
			Name:        "tensor_scale",
			Target:      target("tensor_scale"),
			Args:        udf.List{counts, 0.5},
			Want:        udf.NewFloat64Tensor(0.5, 1, 1.5, 2),
			WantTensors: 1,
		},
		{
			Name:        "tensor_pair",
			Target:      target("tensor_pair"),
			Args:        udf.List{shared},
			Want:        udf.Tuple{shared, shared},
			WantTensors: 1,
		},
		{
			Name:   "inspect_tensor",
			Target: target("inspect_tensor"),
			Args:   udf.List{counts},
			Want:   udf.DictOf("dtype", "int64", "shape", udf.List{int64(4)}, "len", int64(4)),
		},
		{Name: "raise_value_error", Target: target("raise_value_error"), Args: udf.List{"bad input"}, WantErr: "ValueError"},
		{Name: "raise_type_error", Target: target("raise_type_error"), Args: udf.List{"bad type"}, WantErr: "TypeError"},
		{Name: "raise_untyped", Target: target("raise_untyped"), Args: udf.List{"plain"}, WantErr: "EvalError"},
		{Name: "overflow", Target: target("overflow"), WantErr: "TypeError"},
		{Name: "unknown_function", Target: target("no_such_function"), WantErr: "EvalError"},
		{Name: "unknown_module", Target: "missing.fn", WantErr: "EvalError"},
		{Name: "wrong_arity", Target: target("echo_int"), Args: udf.List{int64(1), int64(2)}, WantErr: "EvalError"},
		{
			Name:     "echo_with_info_log",
			Target:   target("echo_with_info_log"),
			Args:     udf.List{"hi"},
			Want:     "hi",
			WantLogs: []string{"info: hi"},
		},
		{
			Name:     "echo_with_multi_logs",
			Target:   target("echo_with_multi_logs"),
			Args:     udf.List{"x"},
			Want:     "x",
			WantLogs: []string{"first", "second", "third: x"},
		},
	}
}

// Result is the outcome of one case.
type Result struct {
	Case string
	Err  error
}

// Passed reports whether the case behaved as expected.
func (r Result) Passed() bool { return r.Err == nil }

// recordingCaller keeps the last response so result tables can be checked.
type recordingCaller struct {
	udfrpc.Caller
	last *udfrpc.Response
}

func (c *recordingCaller) Call(ctx context.Context, payload []byte, tensors udf.TensorTable) (*udfrpc.Response, error) {
	resp, err := c.Caller.Call(ctx, payload, tensors)
	c.last = resp
	return resp, err
}

// Run executes every case through caller and checks each outcome. The
// loader decodes results on the calling side.
func Run(ctx context.Context, caller udfrpc.Caller, loader udfrpc.ResultLoader) []Result {
	cases := Cases()
	results := make([]Result, 0, len(cases))
	for _, c := range cases {
		results = append(results, Result{Case: c.Name, Err: Check(ctx, caller, loader, c)})
	}
	return results
}

// Check executes a single case.
func Check(ctx context.Context, caller udfrpc.Caller, loader udfrpc.ResultLoader, c Case) error {
	rc := &recordingCaller{Caller: caller}
	got, logs, err := udfrpc.Invoke(ctx, rc, loader, &udf.CallDescriptor{Target: c.Target, Args: c.Args, Kwargs: c.Kwargs})

	var messages []string
	for _, l := range logs {
		if l.Level == udfrpc.LogInfo {
			messages = append(messages, l.Message)
		}
	}
	if len(c.WantLogs) > 0 && !slices.Equal(messages, c.WantLogs) {
		return fmt.Errorf("logs = %q, want %q", messages, c.WantLogs)
	}

	if c.WantErr != "" {
		var ue *udf.UDFExecutionError
		if !errors.As(err, &ue) {
			return fmt.Errorf("expected %s, got %v", c.WantErr, err)
		}
		if ue.Type != c.WantErr {
			return fmt.Errorf("error type = %s, want %s (%s)", ue.Type, c.WantErr, ue.Message)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("unexpected error: %w", err)
	}
	if !Equal(got, c.Want) {
		return fmt.Errorf("result = %v, want %v", describe(got), describe(c.Want))
	}
	if c.WantTensors > 0 && rc.last != nil && len(rc.last.Tensors) != c.WantTensors {
		return fmt.Errorf("result table has %d tensors, want %d", len(rc.last.Tensors), c.WantTensors)
	}
	return nil
}

// Equal compares two boundary values structurally. Tensors compare by
// dtype, shape and bytes; dicts compare in key order.
func Equal(a, b udf.Value) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case udf.List:
		y, ok := b.(udf.List)
		return ok && equalSlices(x, y)
	case udf.Tuple:
		y, ok := b.(udf.Tuple)
		return ok && equalSlices(x, y)
	case *udf.Dict:
		y, ok := b.(*udf.Dict)
		if !ok || x.Len() != y.Len() || !slices.Equal(x.Keys(), y.Keys()) {
			return false
		}
		for _, k := range x.Keys() {
			xv, _ := x.Get(k)
			yv, _ := y.Get(k)
			if !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *udf.Tensor:
		y, ok := b.(*udf.Tensor)
		return ok && x.Equal(y)
	default:
		return a == b
	}
}

func equalSlices(a, b []udf.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func describe(v udf.Value) string {
	if d, ok := v.(*udf.Dict); ok {
		parts := make([]string, 0, d.Len())
		d.Range(func(k string, item udf.Value) bool {
			parts = append(parts, fmt.Sprintf("%s:%s", k, describe(item)))
			return true
		})
		return fmt.Sprintf("%v", parts)
	}
	return fmt.Sprintf("%#v", v)
}
