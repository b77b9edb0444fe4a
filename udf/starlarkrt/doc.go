// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package starlarkrt hosts UDFs in an embedded Starlark interpreter and
// implements [udf.Runtime].
//
// UDF modules are registered as Starlark source with
// [Runtime.RegisterModule]; their globals are frozen and shared by all calls.
// The pinned helper module udf.HelperModule is embedded in the binary and
// resolves call targets of the form "module.function" among the registered
// modules.
//
// Tensors appear in Starlark as values of type "tensor" with dtype and shape
// attributes, flat indexing, iteration and the methods tolist, sum and item.
// The predeclared tensor(values, dtype="int64") builds one.
//
// The runtime tracks the bindings it hands out. [Runtime.Finalize] reports
// bindings that are still live, which is the shutdown-ordering bug
// udf.Cleanup exists to prevent.
package starlarkrt
