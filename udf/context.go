// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import "context"

// PrintSink receives text printed by a UDF while it runs.
type PrintSink func(msg string)

type printSinkKey struct{}

// WithPrintSink returns a context whose UDF print output goes to sink.
// Transports use it to capture output and forward it to the caller.
func WithPrintSink(ctx context.Context, sink PrintSink) context.Context {
	return context.WithValue(ctx, printSinkKey{}, sink)
}

// PrintSinkFrom returns the sink stored in ctx, or nil.
func PrintSinkFrom(ctx context.Context) PrintSink {
	sink, _ := ctx.Value(printSinkKey{}).(PrintSink)
	return sink
}
