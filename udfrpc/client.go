// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Query-farm/vgi-udf/udf"
)

// Caller sends one encoded call to a worker and returns its response.
// [*Client] and [*HttpClient] implement it.
type Caller interface {
	Call(ctx context.Context, payload []byte, tensors udf.TensorTable) (*Response, error)
}

// ResultLoader turns a received result back into a value.
// [*udf.Coordinator] implements it.
type ResultLoader interface {
	LoadResult(ctx context.Context, payload []byte, tensors udf.TensorTable) (udf.Value, error)
}

// MetadataFunc adds entries, such as trace context, to outgoing request
// metadata.
type MetadataFunc func(ctx context.Context, md map[string]string)

// Invoke encodes call, sends it through caller and loads the result with
// loader. A UDF that raised on the worker is returned as a
// *udf.UDFExecutionError; a transport or protocol failure as an *RpcError or
// I/O error. Client-directed logs are returned in both cases.
func Invoke(ctx context.Context, caller Caller, loader ResultLoader, call *udf.CallDescriptor) (udf.Value, []LogMessage, error) {
	payload, tensors, err := udf.EncodeCall(call)
	if err != nil {
		return nil, nil, err
	}
	resp, err := caller.Call(ctx, payload, tensors)
	var logs []LogMessage
	if resp != nil {
		logs = resp.Logs
	}
	if err != nil {
		return nil, logs, err
	}
	v, err := loader.LoadResult(ctx, resp.Payload, resp.Tensors)
	return v, logs, err
}

// clientOptions are shared by the pipe and HTTP clients.
type clientOptions struct {
	ids      *IDGenerator
	logLevel LogLevel
	metadata MetadataFunc
}

func (o *clientOptions) request(ctx context.Context, method string, payload []byte, tensors udf.TensorTable) *Request {
	req := &Request{
		Method:    method,
		RequestID: o.ids.NextString(),
		LogLevel:  string(o.logLevel),
		Payload:   payload,
		Tensors:   tensors,
	}
	if o.metadata != nil {
		req.Metadata = make(map[string]string)
		o.metadata(ctx, req.Metadata)
	}
	return req
}

// Client talks to a worker over a reader/writer pair, typically the stdio of
// a worker subprocess. Requests are sent one at a time.
type Client struct {
	clientOptions

	mu sync.Mutex
	r  *bufio.Reader
	w  io.Writer
}

// NewClient returns a client reading responses from r and writing requests
// to w. A nil ids uses worker id 0.
func NewClient(r io.Reader, w io.Writer, ids *IDGenerator) *Client {
	if ids == nil {
		ids = NewIDGenerator(0)
	}
	return &Client{
		clientOptions: clientOptions{ids: ids, logLevel: LogInfo},
		r:             bufio.NewReader(r),
		w:             w,
	}
}

// SetLogLevel sets the minimum severity of client-directed logs the worker
// should send.
func (c *Client) SetLogLevel(level LogLevel) { c.logLevel = level }

// SetMetadataFunc installs a function that decorates outgoing requests.
func (c *Client) SetMetadataFunc(fn MetadataFunc) { c.metadata = fn }

// Call implements [Caller]. The context is checked before the request is
// written; a pipe read in progress cannot be interrupted.
func (c *Client) Call(ctx context.Context, payload []byte, tensors udf.TensorTable) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := WriteRequest(c.w, c.request(ctx, MethodCall, payload, tensors)); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	return ReadResponse(c.r)
}

// Describe asks the worker for its introspection record.
func (c *Client) Describe(ctx context.Context) (*DescribeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := WriteRequest(c.w, c.request(ctx, MethodDescribe, nil, nil)); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	return ReadDescribe(c.r)
}

// HttpClient talks to an [HttpServer].
type HttpClient struct {
	clientOptions

	baseURL  string
	http     *http.Client
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	maxBody  int64
}

// NewHttpClient returns a client for the server at baseURL, which includes
// the prefix (e.g. "http://127.0.0.1:8080/vgi-udf"). A nil httpClient uses
// http.DefaultClient.
func NewHttpClient(baseURL string, httpClient *http.Client, ids *IDGenerator) (*HttpClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if ids == nil {
		ids = NewIDGenerator(0)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(DefaultCompressionLevel)))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRequestBytes))
	if err != nil {
		return nil, err
	}
	return &HttpClient{
		clientOptions: clientOptions{ids: ids, logLevel: LogInfo},
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          httpClient,
		compress:      true,
		encoder:       enc,
		decoder:       dec,
		maxBody:       maxRequestBytes,
	}, nil
}

// SetLogLevel sets the minimum severity of client-directed logs.
func (c *HttpClient) SetLogLevel(level LogLevel) { c.logLevel = level }

// SetMetadataFunc installs a function that decorates outgoing requests.
func (c *HttpClient) SetMetadataFunc(fn MetadataFunc) { c.metadata = fn }

// SetCompression enables or disables zstd for request and response bodies.
func (c *HttpClient) SetCompression(enabled bool) { c.compress = enabled }

// Call implements [Caller].
func (c *HttpClient) Call(ctx context.Context, payload []byte, tensors udf.TensorTable) (*Response, error) {
	body, err := c.post(ctx, c.request(ctx, MethodCall, payload, tensors))
	if err != nil {
		return nil, err
	}
	return ReadResponse(bytes.NewReader(body))
}

// Describe asks the server for its introspection record.
func (c *HttpClient) Describe(ctx context.Context) (*DescribeInfo, error) {
	body, err := c.post(ctx, c.request(ctx, MethodDescribe, nil, nil))
	if err != nil {
		return nil, err
	}
	return ReadDescribe(bytes.NewReader(body))
}

func (c *HttpClient) post(ctx context.Context, req *Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	data := buf.Bytes()
	if c.compress {
		data = c.encoder.EncodeAll(data, nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+req.Method, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", arrowContentType)
	if c.compress {
		httpReq.Header.Set("Content-Encoding", zstdEncoding)
		httpReq.Header.Set("Accept-Encoding", zstdEncoding)
	}
	for _, key := range propagatedHeaders {
		if v, ok := req.Metadata[key]; ok {
			httpReq.Header.Set(key, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, c.maxBody, "response")
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == zstdEncoding {
		if body, err = c.decoder.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("decompressing response: %w", err)
		}
	}
	if resp.Header.Get("Content-Type") != arrowContentType {
		return nil, fmt.Errorf("unexpected response %s (%s)", resp.Status, resp.Header.Get("Content-Type"))
	}
	// Non-200 responses carry an error batch that ReadResponse surfaces.
	return body, nil
}
