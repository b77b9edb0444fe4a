// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

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

var (
	coord  *udf.Coordinator
	testRT *starlarkrt.Runtime
)

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
	testRT = rt

	code := m.Run()

	udf.Cleanup()
	if err := rt.Finalize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}
	os.Exit(code)
}

func newServer() *udfrpc.Server {
	srv := udfrpc.NewServer(coord)
	srv.SetFunctions(testRT.Functions)
	return srv
}

func pipeClient(t *testing.T) *udfrpc.Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		newServer().ServeWithContext(context.Background(), reqR, respW)
		_ = respW.Close()
	}()
	t.Cleanup(func() {
		_ = reqW.Close()
		<-done
	})
	return udfrpc.NewClient(respR, reqW, udfrpc.NewIDGenerator(1))
}

func httpClient(t *testing.T) *udfrpc.HttpClient {
	t.Helper()
	ts := httptest.NewServer(udfrpc.NewHttpServer(newServer(), ""))
	t.Cleanup(ts.Close)
	client, err := udfrpc.NewHttpClient(ts.URL+udfrpc.DefaultHTTPPrefix, ts.Client(), udfrpc.NewIDGenerator(2))
	require.NoError(t, err)
	return client
}

func runSuite(t *testing.T, caller udfrpc.Caller) {
	for _, c := range Cases() {
		t.Run(c.Name, func(t *testing.T) {
			assert.NoError(t, Check(context.Background(), caller, coord, c))
		})
	}
}

func TestConformancePipe(t *testing.T) {
	runSuite(t, pipeClient(t))
}

func TestConformanceHTTP(t *testing.T) {
	runSuite(t, httpClient(t))
}

func TestRunReportsEveryCase(t *testing.T) {
	results := Run(context.Background(), pipeClient(t), coord)
	require.Len(t, results, len(Cases()))
	for _, r := range results {
		assert.True(t, r.Passed(), "%s: %v", r.Case, r.Err)
	}
}

func TestCheckDetectsMismatch(t *testing.T) {
	client := pipeClient(t)
	tests := []Case{
		{Name: "wrong value", Target: target("echo_int"), Args: udf.List{int64(1)}, Want: int64(2)},
		{Name: "missing error", Target: target("echo_int"), Args: udf.List{int64(1)}, WantErr: "ValueError"},
		{Name: "wrong error", Target: target("raise_type_error"), Args: udf.List{"x"}, WantErr: "ValueError"},
		{Name: "wrong logs", Target: target("echo_with_info_log"), Args: udf.List{"a"}, Want: "a", WantLogs: []string{"nope"}},
	}
	for _, c := range tests {
		t.Run(c.Name, func(t *testing.T) {
			assert.Error(t, Check(context.Background(), client, coord, c))
		})
	}
}

func TestDescribeListsFixtures(t *testing.T) {
	info, err := pipeClient(t).Describe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info.Functions, "conformance.echo_string")
	assert.Contains(t, info.Functions, "conformance.tensor_pair")
}

func TestEqual(t *testing.T) {
	a := udf.NewInt64Tensor(1, 2)
	tests := []struct {
		name string
		a, b udf.Value
		want bool
	}{
		{"nil", nil, nil, true},
		{"nil vs zero", nil, int64(0), false},
		{"int", int64(3), int64(3), true},
		{"int vs float", int64(3), 3.0, false},
		{"bytes", []byte("ab"), []byte("ab"), true},
		{"list vs tuple", udf.List{int64(1)}, udf.Tuple{int64(1)}, false},
		{"nested list", udf.List{udf.List{"x"}}, udf.List{udf.List{"x"}}, true},
		{"dict order", udf.DictOf("a", int64(1), "b", int64(2)), udf.DictOf("b", int64(2), "a", int64(1)), false},
		{"dict", udf.DictOf("a", a), udf.DictOf("a", udf.NewInt64Tensor(1, 2)), true},
		{"tensor dtype", a, udf.NewFloat64Tensor(1, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}
