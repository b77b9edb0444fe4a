// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/vgi-udf/udf"
)

func TestPipeInvokeAdd(t *testing.T) {
	client := startPipe(t, newTestServer())

	got, logs, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.add",
		Args:   udf.List{int64(3), udf.NewInt64Tensor(4)},
	})
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Equal(t, int64(7), got)
}

func TestPipeResponseMetadata(t *testing.T) {
	srv := newTestServer()
	srv.SetServerID("worker-a")
	client := startPipe(t, srv)

	payload, tensors, err := udf.EncodeCall(&udf.CallDescriptor{
		Target: "demo.double",
		Args:   udf.List{udf.NewInt64Tensor(1, 2, 3)},
	})
	require.NoError(t, err)

	resp, err := client.Call(context.Background(), payload, tensors)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", resp.ServerID)
	worker, seq, err := ParseRequestID(resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), worker)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, resp.Tensors, 1)
	got, err := coord.LoadResult(context.Background(), resp.Payload, resp.Tensors)
	require.NoError(t, err)
	assert.True(t, udf.NewInt64Tensor(2, 4, 6).Equal(got.(*udf.Tensor)))
}

func TestPipeUDFErrorIsInBand(t *testing.T) {
	client := startPipe(t, newTestServer())

	_, _, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{Target: "demo.boom"})
	var ue *udf.UDFExecutionError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, "ValueError", ue.Type)
	assert.Equal(t, "boom", ue.Message)
	assert.NotEmpty(t, ue.Traceback)

	// The worker keeps serving after a failing call.
	got, _, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.add",
		Args:   udf.List{int64(1), udf.NewInt64Tensor(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestPipePrintBecomesClientLog(t *testing.T) {
	client := startPipe(t, newTestServer())

	got, logs, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.shout",
		Args:   udf.List{"hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "HI", got)
	require.Len(t, logs, 1)
	assert.Equal(t, LogInfo, logs[0].Level)
	assert.Equal(t, "got hi", logs[0].Message)
	assert.Equal(t, "print", logs[0].Extras["source"])

	client.SetLogLevel(LogWarn)
	_, logs, err = Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.shout",
		Args:   udf.List{"quiet"},
	})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestPipeMalformedPayload(t *testing.T) {
	client := startPipe(t, newTestServer())

	_, err := client.Call(context.Background(), []byte{0xc1}, nil)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, "DecodeError", rpcErr.Type)
	assert.True(t, errors.Is(err, ErrRpc))
}

func TestPipeDescribe(t *testing.T) {
	srv := newTestServer()
	client := startPipe(t, srv)

	info, err := client.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.ServerID(), info.ServerID)
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, udf.HelperModule, info.HelperModule)
	assert.Equal(t, udf.HelperVersion, info.HelperVersion)
	assert.Equal(t, []string{"demo.add", "demo.boom", "demo.double", "demo.shout"}, info.Functions)
}

func TestPipeUnknownMethod(t *testing.T) {
	client := startPipe(t, newTestServer())
	client.mu.Lock()
	defer client.mu.Unlock()

	require.NoError(t, WriteRequest(client.w, &Request{Method: "nope", RequestID: "r1"}))
	_, err := ReadResponse(client.r)
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "AttributeError", rpcErr.Type)
	assert.Equal(t, "r1", rpcErr.RequestID)
}

func TestDispatchHook(t *testing.T) {
	srv := newTestServer()
	hook := &recordingHook{}
	srv.SetDispatchHook(hook)
	client := startPipe(t, srv)

	_, _, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.add",
		Args:   udf.List{int64(1), udf.NewInt64Tensor(2)},
	})
	require.NoError(t, err)
	_, _, err = Invoke(context.Background(), client, coord, &udf.CallDescriptor{Target: "demo.boom"})
	require.Error(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.starts, 2)
	assert.Equal(t, MethodCall, hook.starts[0].Method)
	assert.Equal(t, "pipe", hook.starts[0].Transport)
	assert.Equal(t, srv.ServerID(), hook.starts[0].ServerID)

	assert.NoError(t, hook.errs[0])
	assert.Equal(t, int64(1), hook.stats[0].InputTensors)
	assert.Equal(t, int64(8), hook.stats[0].TensorBytesIn)
	assert.Positive(t, hook.stats[0].OutputBytes)

	assert.True(t, errors.Is(hook.errs[1], udf.ErrUDFExecution))
}

func TestDrainRejectsNewCalls(t *testing.T) {
	srv := newTestServer()
	client := startPipe(t, srv)
	require.NoError(t, srv.Drain(context.Background()))

	_, _, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
		Target: "demo.add",
		Args:   udf.List{int64(1), udf.NewInt64Tensor(2)},
	})
	var rpcErr *RpcError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "ShutdownError", rpcErr.Type)
}

func TestClientHonoursCancelledContext(t *testing.T) {
	client := startPipe(t, newTestServer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Call(ctx, []byte{0xc0}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
