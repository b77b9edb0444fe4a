// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/Query-farm/vgi-udf/udf"
)

// Executor runs one encoded call. [*udf.Coordinator] implements it.
type Executor interface {
	ExecuteCall(ctx context.Context, payload []byte, tensors udf.TensorTable) ([]byte, udf.TensorTable, error)
}

// Server dispatches incoming requests to an Executor.
type Server struct {
	exec         Executor
	serverID     string
	functions    func() []string
	dispatchHook DispatchHook
	debugErrors  bool

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewServer creates a server that executes calls with exec. The server id
// defaults to a random UUID.
func NewServer(exec Executor) *Server {
	return &Server{
		exec:     exec,
		serverID: uuid.NewString(),
	}
}

// SetServerID sets the server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// ServerID returns the server identifier.
func (s *Server) ServerID() string {
	return s.serverID
}

// SetFunctions sets the source of the function list reported by __describe__.
func (s *Server) SetFunctions(fn func() []string) {
	s.functions = fn
}

// SetDispatchHook registers a hook that is called around each call dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error responses include Go stack frames.
// When false (the default), error batches carry only the error type, message
// and any interpreter traceback.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// Drain stops the server from accepting new calls and waits until the calls
// already running have finished or ctx is done. Calls arriving afterwards are
// answered with a ShutdownError.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining in-flight calls: %w", ctx.Err())
	}
}

func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// RunStdio runs the server loop reading from stdin and writing to stdout.
// If stdin or stdout is connected to a terminal, a warning is printed to
// stderr.
func (s *Server) RunStdio(ctx context.Context) {
	// Writes to a closed pipe return errors instead of killing the process.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process communicates via Arrow IPC on stdin/stdout "+
				"and is not intended to be run interactively.\n"+
				"It should be launched as a subprocess by a UDF caller.")
	}
	s.ServeWithContext(ctx, os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop until the peer closes the stream or
// a transport error occurs.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	for {
		if err := s.serveOne(ctx, r, w); err != nil {
			if !isTransportClosed(err) {
				slog.Error("serve loop error", "err", err)
			}
			return
		}
	}
}

// serveOne handles one complete request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer) error {
	req, err := ReadRequest(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			return WriteErrorResponse(w, nil, rpcErr, s.serverID, rpcErr.RequestID, s.debugErrors)
		}
		return err
	}

	switch req.Method {
	case MethodDescribe:
		return s.writeDescribe(w)
	case MethodCall:
		return s.dispatch(ctx, req, "pipe", req.Metadata).write(w, s)
	default:
		return WriteErrorResponse(w, nil, unknownMethod(req.Method), s.serverID, req.RequestID, s.debugErrors)
	}
}

func unknownMethod(method string) error {
	return &RpcError{
		Type:    "AttributeError",
		Message: fmt.Sprintf("Unknown method: '%s'. Available methods: [%s %s]", method, MethodCall, MethodDescribe),
	}
}

// outcome is the transport-independent result of one call.
type outcome struct {
	requestID string
	logs      []LogMessage
	payload   []byte
	tensors   udf.TensorTable
	err       error // written as an error batch instead of a result
}

func (o *outcome) write(w io.Writer, s *Server) error {
	if o.err != nil {
		return WriteErrorResponse(w, o.logs, o.err, s.serverID, o.requestID, s.debugErrors)
	}
	return WriteResponse(w, o.logs, o.payload, o.tensors, s.serverID, o.requestID)
}

// dispatch runs a call with the dispatch hook around it.
func (s *Server) dispatch(ctx context.Context, req *Request, transport string, meta map[string]string) *outcome {
	info := DispatchInfo{
		Method:            req.Method,
		Transport:         transport,
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: meta,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	out, handlerErr := s.execute(ctx, req, stats)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, info, stats, handlerErr)
		}()
	}
	return out
}

// execute runs the call. A UDF that raises is answered in-band with a remote
// error payload; every other failure becomes an error batch. The returned
// error is the one reported to the dispatch hook.
func (s *Server) execute(ctx context.Context, req *Request, stats *CallStatistics) (*outcome, error) {
	out := &outcome{requestID: req.RequestID}
	if !s.begin() {
		out.err = &RpcError{Type: "ShutdownError", Message: "worker is shutting down", RequestID: req.RequestID}
		return out, out.err
	}
	defer s.inflight.Done()

	callCtx := &CallContext{
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    req.Method,
		LogLevel:  LogLevel(req.LogLevel),
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = LogTrace // default: allow all, client filters
	}
	stats.RecordInput(req.Payload, req.Tensors)

	payload, tensors, err := s.exec.ExecuteCall(callCtx.bind(ctx), req.Payload, req.Tensors)
	out.logs = callCtx.drainLogs()
	stats.LogMessages = int64(len(out.logs))

	if err != nil {
		var ue *udf.UDFExecutionError
		if errors.As(err, &ue) {
			if payload, tensors, encErr := udf.EncodeRemoteError(ue); encErr == nil {
				out.payload, out.tensors = payload, tensors
				stats.RecordOutput(payload, tensors)
				return out, err
			}
		}
		slog.Debug("call rejected", "request_id", req.RequestID, "err", err)
		out.err = err
		return out, err
	}

	out.payload, out.tensors = payload, tensors
	stats.RecordOutput(payload, tensors)
	return out, nil
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
