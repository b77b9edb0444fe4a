// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
	"github.com/Query-farm/vgi-udf/udfrpc"
)

var coord *udf.Coordinator

func TestMain(m *testing.M) {
	rt, err := starlarkrt.New()
	if err == nil {
		err = Register(rt)
	}
	if err == nil {
		err = udf.Install(rt)
	}
	if err == nil {
		coord, err = udf.Instance()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "setting up coordinator:", err)
		os.Exit(1)
	}
	code := m.Run()
	udf.Cleanup()
	if err := rt.Finalize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}
	os.Exit(code)
}

func pipeClient(tb testing.TB) *udfrpc.Client {
	tb.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		udfrpc.NewServer(coord).ServeWithContext(context.Background(), reqR, respW)
		_ = respW.Close()
	}()
	tb.Cleanup(func() {
		_ = reqW.Close()
		<-done
	})
	return udfrpc.NewClient(respR, reqW, udfrpc.NewIDGenerator(1))
}

func TestFixtures(t *testing.T) {
	client := pipeClient(t)
	ctx := context.Background()
	want := map[string]udf.Value{
		"noop":            nil,
		"add":             4.0,
		"greet":           "Hello, World!",
		"roundtrip_types": "GREEN:true:{'a': 1, 'b': 2}:[1, 2, 3]",
		"generate":        udf.NewInt64Tensor(0, 1, 2, 3),
		"transform":       udf.NewFloat64Tensor(0, 2, 4, 6),
	}
	for name, call := range Calls(4) {
		t.Run(name, func(t *testing.T) {
			got, _, err := udfrpc.Invoke(ctx, client, coord, call)
			require.NoError(t, err)
			if wt, ok := want[name].(*udf.Tensor); ok {
				gt, ok := got.(*udf.Tensor)
				require.True(t, ok, "got %T", got)
				assert.True(t, wt.Equal(gt), "got %v", gt)
				return
			}
			assert.Equal(t, want[name], got)
		})
	}
}

func BenchmarkCodec(b *testing.B) {
	for name, call := range Calls(1024) {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				payload, table, err := udf.EncodeCall(call)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := udf.DecodeCall(payload, table); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkExecuteCall(b *testing.B) {
	ctx := context.Background()
	for name, call := range Calls(1024) {
		payload, table, err := udf.EncodeCall(call)
		require.NoError(b, err)
		b.Run(name, func(b *testing.B) {
			for b.Loop() {
				if _, _, err := coord.ExecuteCall(ctx, payload, table); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func benchmarkTransport(b *testing.B, caller udfrpc.Caller) {
	ctx := context.Background()
	for name, call := range Calls(1024) {
		b.Run(name, func(b *testing.B) {
			for b.Loop() {
				if _, _, err := udfrpc.Invoke(ctx, caller, coord, call); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPipe(b *testing.B) {
	benchmarkTransport(b, pipeClient(b))
}

func BenchmarkHTTP(b *testing.B) {
	ts := httptest.NewServer(udfrpc.NewHttpServer(udfrpc.NewServer(coord), ""))
	defer ts.Close()
	client, err := udfrpc.NewHttpClient(ts.URL+udfrpc.DefaultHTTPPrefix, ts.Client(), udfrpc.NewIDGenerator(2))
	require.NoError(b, err)
	benchmarkTransport(b, client)
}
