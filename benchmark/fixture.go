// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds the UDF fixtures used to measure call overhead
// across the codec, the coordinator and both transports.
package benchmark

import (
	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
)

// ModuleName is the module part of every benchmark call target.
const ModuleName = "bench"

const source = `
def noop():
    return None

def add(a, b):
    return a + b

def greet(name):
    return "Hello, " + name + "!"

def roundtrip_types(color, mapping, tags):
    keys = sorted(mapping.keys())
    pairs = ["'%s': %d" % (k, mapping[k]) for k in keys]
    return "%s:true:{%s}:%s" % (color, ", ".join(pairs), sorted(tags))

def generate(count):
    return tensor(range(count))

def transform(t, factor):
    return tensor([v * factor for v in t], dtype = "float64")
`

// Register loads the benchmark module into rt.
func Register(rt *starlarkrt.Runtime) error {
	return rt.RegisterModule(ModuleName, source)
}

// Calls returns one call per fixture. size is the element count of tensor
// arguments.
func Calls(size int) map[string]*udf.CallDescriptor {
	values := make([]float64, size)
	for i := range values {
		values[i] = float64(i)
	}
	return map[string]*udf.CallDescriptor{
		"noop":  {Target: ModuleName + ".noop"},
		"add":   {Target: ModuleName + ".add", Args: udf.List{1.5, 2.5}},
		"greet": {Target: ModuleName + ".greet", Args: udf.List{"World"}},
		"roundtrip_types": {
			Target: ModuleName + ".roundtrip_types",
			Args: udf.List{
				"GREEN",
				udf.DictOf("b", int64(2), "a", int64(1)),
				udf.List{int64(3), int64(1), int64(2)},
			},
		},
		"generate":  {Target: ModuleName + ".generate", Args: udf.List{int64(size)}},
		"transform": {Target: ModuleName + ".transform", Args: udf.List{udf.NewFloat64Tensor(values...), 2.0}},
	}
}
