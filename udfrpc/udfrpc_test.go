// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
)

const demoModule = `
def add(x, y):
    return x + y[0]

def shout(msg):
    print("got", msg)
    return msg.upper()

def boom():
    fail("ValueError: boom")

def double(t):
    return tensor([v * 2 for v in t], dtype = t.dtype)
`

// coord is the process coordinator shared by the tests. It serves as both
// the worker's executor and the caller's result loader.
var (
	coord  *udf.Coordinator
	testRT *starlarkrt.Runtime
)

func TestMain(m *testing.M) {
	rt, err := starlarkrt.New()
	if err == nil {
		err = rt.RegisterModule("demo", demoModule)
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

func newTestServer() *Server {
	srv := NewServer(coord)
	srv.SetFunctions(testRT.Functions)
	return srv
}

// startPipe serves srv over a pair of in-memory pipes and returns a client
// connected to it.
func startPipe(t *testing.T, srv *Server) *Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeWithContext(context.Background(), reqR, respW)
		_ = respW.Close()
	}()
	t.Cleanup(func() {
		_ = reqW.Close()
		<-done
	})
	return NewClient(respR, reqW, NewIDGenerator(7))
}

// recordingHook captures dispatch callbacks.
type recordingHook struct {
	mu     sync.Mutex
	starts []DispatchInfo
	stats  []CallStatistics
	errs   []error
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
	return ctx, len(h.starts)
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, _ HookToken, _ DispatchInfo, stats *CallStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = append(h.stats, *stats)
	h.errs = append(h.errs, err)
}
