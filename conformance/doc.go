// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides internal test fixtures for the vgi_udf
// call protocol. It registers a Starlark UDF module whose functions exercise
// every value kind the payload format carries: scalars, collections, tuples,
// nullable values, tensors (including a tensor referenced twice), keyword
// defaults, error propagation and client-directed print() logging.
//
// [Register] loads the module into a [starlarkrt.Runtime]. [Cases] lists
// the calls a conforming worker must answer, and [Run] checks them against
// any [udfrpc.Caller].
package conformance
