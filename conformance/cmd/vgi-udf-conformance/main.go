// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command vgi-udf-conformance serves the conformance UDF module over stdio,
// HTTP (--http) or a unix socket (--unix PATH) for cross-language tests.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/vgi-udf/conformance"
	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
	"github.com/Query-farm/vgi-udf/udfrpc"
)

func main() {
	rt, err := starlarkrt.New()
	if err == nil {
		err = conformance.Register(rt)
	}
	if err == nil {
		err = udf.Install(rt)
	}
	var coord *udf.Coordinator
	if err == nil {
		coord, err = udf.Instance()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		udf.Cleanup()
		if err := rt.Finalize(); err != nil {
			fmt.Fprintf(os.Stderr, "finalize: %v\n", err)
		}
	}()

	server := udfrpc.NewServer(coord)
	server.SetDebugErrors(true)
	server.SetFunctions(rt.Functions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	switch {
	case len(os.Args) > 1 && os.Args[1] == "--http":
		serveHTTP(ctx, server)
	case len(os.Args) > 2 && os.Args[1] == "--unix":
		serveUnix(ctx, server, os.Args[2])
	default:
		server.RunStdio(ctx)
	}
}

func serveHTTP(ctx context.Context, server *udfrpc.Server) {
	httpServer := udfrpc.NewHttpServer(server, "")
	httpServer.SetCompressionLevel(3)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		return
	}
	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Printf("PORT:%d\n", port)
	os.Stdout.Sync()

	srv := &http.Server{Handler: httpServer}
	go func() {
		<-ctx.Done()
		_ = server.Drain(context.Background())
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "http serve error: %v\n", err)
	}
}

func serveUnix(ctx context.Context, server *udfrpc.Server, path string) {
	os.Remove(path)
	defer os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on unix socket: %v\n", err)
		return
	}
	fmt.Printf("UNIX:%s\n", path)
	os.Stdout.Sync()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		server.ServeWithContext(ctx, conn, conn)
		conn.Close()
	}
}
