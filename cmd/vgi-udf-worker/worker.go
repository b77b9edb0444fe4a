// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/vgi-udf/config"
	"github.com/Query-farm/vgi-udf/udf"
	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
	"github.com/Query-farm/vgi-udf/udfrpc"
	udfotel "github.com/Query-farm/vgi-udf/udfrpc/otel"
)

// worker runs one serving session from startup to ordered shutdown.
type worker struct {
	cfg        *config.Worker
	otelStdout bool
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func (w *worker) run(ctx context.Context) error {
	level, err := w.cfg.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w.stderr, &slog.HandlerOptions{Level: level})))

	if w.otelStdout {
		shutdown, err := setupTelemetry(w.stderr)
		if err != nil {
			return fmt.Errorf("setting up telemetry: %w", err)
		}
		defer func() {
			if serr := shutdown(context.Background()); serr != nil {
				slog.Error("telemetry shutdown", "err", serr)
			}
		}()
	}

	rt, err := starlarkrt.New()
	if err != nil {
		return err
	}
	for _, m := range w.cfg.Modules {
		src, err := os.ReadFile(m.Path)
		if err != nil {
			return fmt.Errorf("module %s: %w", m.Name, err)
		}
		if err := rt.RegisterModule(m.Name, string(src)); err != nil {
			return err
		}
		slog.Info("module registered", "module", m.Name, "path", m.Path)
	}

	if err := udf.Install(rt); err != nil {
		return err
	}
	coord, err := udf.Instance()
	if err != nil {
		return err
	}

	server := udfrpc.NewServer(coord)
	if w.cfg.ServerID != "" {
		server.SetServerID(w.cfg.ServerID)
	}
	server.SetDebugErrors(w.cfg.DebugErrors)
	server.SetFunctions(rt.Functions)
	if w.otelStdout {
		udfotel.InstrumentServer(server, udfotel.DefaultConfig())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("worker serving", "transport", w.cfg.Transport, "server_id", server.ServerID(),
		"functions", len(rt.Functions()))
	var serveErr error
	switch w.cfg.Transport {
	case config.TransportHTTP:
		serveErr = w.serveHTTP(ctx, server)
	default:
		w.serveStdio(ctx, server)
	}

	// Ordered shutdown: stop accepting, drain, release bindings, then
	// finalize the interpreter.
	drainCtx, cancel := w.shutdownContext()
	defer cancel()
	if derr := server.Drain(drainCtx); derr != nil {
		slog.Error("drain incomplete", "err", derr)
	}
	udf.Cleanup()
	if ferr := rt.Finalize(); ferr != nil {
		slog.Error("interpreter finalize", "err", ferr)
		serveErr = errors.Join(serveErr, ferr)
	}
	slog.Info("worker stopped", "stats", fmt.Sprintf("%+v", coord.Stats()))
	return serveErr
}

// serveStdio serves until the caller closes stdin or ctx is cancelled.
func (w *worker) serveStdio(ctx context.Context, server *udfrpc.Server) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeWithContext(ctx, w.stdin, w.stdout)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Info("shutting down", "reason", context.Cause(ctx))
	}
}

func (w *worker) serveHTTP(ctx context.Context, server *udfrpc.Server) error {
	handler := udfrpc.NewHttpServer(server, w.cfg.HTTPPrefix)
	handler.SetCompressionLevel(w.cfg.CompressionLevel)

	listener, err := net.Listen("tcp", w.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	addr := listener.Addr().String()
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		fmt.Fprintf(w.stdout, "PORT:%d\n", tcp.Port)
	}
	slog.Info("http listening", "addr", addr, "prefix", handler.Prefix())

	srv := &http.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutting down", "reason", context.Cause(ctx))
	}

	shutdownCtx, cancel := w.shutdownContext()
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// shutdownContext bounds shutdown by the configured drain timeout.
func (w *worker) shutdownContext() (context.Context, context.CancelFunc) {
	if w.cfg.DrainTimeout > 0 {
		return context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	}
	return context.WithCancel(context.Background())
}
