// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package udfrpc carries UDF calls between a caller and a worker process.
//
// Every request and response is one Arrow IPC stream. A call batch has a
// single row with two binary columns: the serialized payload and the tensor
// table, itself a nested IPC stream with one row per tensor (dtype, shape,
// data). Tensor bytes therefore never pass through the payload codec.
// Request metadata names the method ("call" or "__describe__"), the protocol
// version and a request id; responses echo the request id and the server id.
//
// Responses may be preceded by zero-row log batches carrying client-directed
// messages, including UDF print() output. A UDF that raises is answered with
// an ordinary result whose payload holds a remote error record, which
// [udf.Coordinator.LoadResult] turns back into a *udf.UDFExecutionError.
// Any other failure is answered with an EXCEPTION-level error batch and
// surfaces at the client as an *RpcError.
//
// Two transports are provided: [Server.Serve] over a reader/writer pair
// (typically stdio of a worker subprocess) and [HttpServer], which wraps the
// same dispatch in POST {prefix}/{method} with optional zstd bodies.
//
//	rt, _ := starlarkrt.New()
//	_ = rt.RegisterFile("math.star")
//	_ = udf.Install(rt)
//	coord, err := udf.Instance()
//	if err != nil {
//		log.Fatal(err)
//	}
//	server := udfrpc.NewServer(coord)
//	server.SetFunctions(rt.Functions)
//	server.RunStdio(ctx)
package udfrpc
