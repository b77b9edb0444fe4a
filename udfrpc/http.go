// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Query-farm/vgi-udf/udf"
)

const (
	arrowContentType = "application/vnd.apache.arrow.stream"
	zstdEncoding     = "zstd"

	// DefaultHTTPPrefix is the URL prefix requests are served under.
	DefaultHTTPPrefix = "/vgi-udf"
	// DefaultCompressionLevel is the zstd level of compressed responses.
	DefaultCompressionLevel = 3

	maxRequestBytes = 256 << 20
)

// Headers copied into DispatchInfo.TransportMetadata.
var propagatedHeaders = []string{"traceparent", "tracestate", "baggage"}

// HttpServer serves requests over HTTP: POST {prefix}/call and
// POST {prefix}/__describe__, plus an HTML landing page at GET {prefix}.
// Bodies may be zstd-compressed in either direction.
type HttpServer struct {
	server *Server
	prefix string
	mux    *http.ServeMux

	mu      sync.Mutex
	level   int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewHttpServer creates an HTTP server wrapping server. An empty prefix
// selects [DefaultHTTPPrefix].
func NewHttpServer(server *Server, prefix string) *HttpServer {
	if prefix == "" {
		prefix = DefaultHTTPPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")
	h := &HttpServer{
		server: server,
		prefix: prefix,
		level:  DefaultCompressionLevel,
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", h.prefix), h.handle)
	h.mux.HandleFunc("GET "+h.prefix, h.handleLandingPage)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/{$}", h.prefix), h.handleLandingPage)
	return h
}

// SetCompressionLevel sets the zstd level (1-22) for responses to clients
// that accept zstd. Level 0 disables response compression.
func (h *HttpServer) SetCompressionLevel(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.encoder != nil {
		_ = h.encoder.Close()
		h.encoder = nil
	}
	h.level = level
}

// Prefix returns the URL prefix.
func (h *HttpServer) Prefix() string {
	return h.prefix
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HttpServer) handle(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			&RpcError{Type: "ProtocolError", Message: fmt.Sprintf("unsupported content type: %s", ct)})
		return
	}
	if method != MethodCall && method != MethodDescribe {
		h.writeHttpError(w, r, http.StatusNotFound, unknownMethod(method))
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, &RpcError{Type: "ProtocolError", Message: err.Error()})
		return
	}

	req, err := ReadRequest(bytes.NewReader(body))
	if err != nil {
		var rpcErr *RpcError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RpcError{Type: "ProtocolError", Message: err.Error()}
		}
		h.writeHttpError(w, r, http.StatusBadRequest, rpcErr)
		return
	}
	if req.Method != method {
		h.writeHttpError(w, r, http.StatusBadRequest, &RpcError{
			Type:      "ProtocolError",
			Message:   fmt.Sprintf("request method %q does not match path %q", req.Method, method),
			RequestID: req.RequestID,
		})
		return
	}

	var buf bytes.Buffer
	if method == MethodDescribe {
		if err := h.server.writeDescribe(&buf); err != nil {
			h.writeHttpError(w, r, http.StatusInternalServerError, err)
			return
		}
		h.writeArrow(w, r, http.StatusOK, buf.Bytes())
		return
	}

	meta := maps.Clone(req.Metadata)
	meta["remote_addr"] = r.RemoteAddr
	meta["user_agent"] = r.UserAgent()
	for _, key := range propagatedHeaders {
		if v := r.Header.Get(key); v != "" {
			meta[key] = v
		}
	}

	out := h.server.dispatch(r.Context(), req, "http", meta)
	if err := out.write(&buf, h.server); err != nil {
		h.writeHttpError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeArrow(w, r, statusFor(out.err), buf.Bytes())
}

// statusFor maps a dispatch failure onto an HTTP status. UDF errors travel
// in-band and are answered with 200.
func statusFor(err error) int {
	var rpcErr *RpcError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, udf.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, udf.ErrUseAfterTeardown):
		return http.StatusServiceUnavailable
	case errors.As(err, &rpcErr) && rpcErr.Type == "ShutdownError":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HttpServer) readBody(r *http.Request) ([]byte, error) {
	body, err := readLimited(r.Body, maxRequestBytes, "request")
	if err != nil {
		return nil, err
	}
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return body, nil
	case zstdEncoding:
		dec, err := h.zstdDecoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", enc)
	}
}

// readLimited reads r to the end, failing if it holds more than limit bytes.
func readLimited(r io.Reader, limit int64, what string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%s body exceeds %d bytes", what, limit)
	}
	return body, nil
}

func (h *HttpServer) zstdDecoder() (*zstd.Decoder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.decoder == nil {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRequestBytes))
		if err != nil {
			return nil, err
		}
		h.decoder = dec
	}
	return h.decoder, nil
}

// zstdEncoder returns the shared response encoder, or nil when compression
// is disabled.
func (h *HttpServer) zstdEncoder() (*zstd.Encoder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.level <= 0 {
		return nil, nil
	}
	if h.encoder == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(h.level)))
		if err != nil {
			return nil, err
		}
		h.encoder = enc
	}
	return h.encoder, nil
}

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	var buf bytes.Buffer
	requestID := ""
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		requestID = rpcErr.RequestID
	}
	_ = WriteErrorResponse(&buf, nil, err, h.server.serverID, requestID, h.server.debugErrors)
	h.writeArrow(w, r, statusCode, buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	if acceptsZstd(r) {
		if enc, err := h.zstdEncoder(); err == nil && enc != nil {
			data = enc.EncodeAll(data, nil)
			w.Header().Set("Content-Encoding", zstdEncoding)
		}
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if name, _, _ := strings.Cut(strings.TrimSpace(part), ";"); name == zstdEncoding {
			return true
		}
	}
	return false
}
