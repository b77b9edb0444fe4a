// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/vgi-udf/udf"
)

func startHTTP(t *testing.T, srv *Server) (*httptest.Server, *HttpClient) {
	t.Helper()
	ts := httptest.NewServer(NewHttpServer(srv, ""))
	t.Cleanup(ts.Close)
	client, err := NewHttpClient(ts.URL+DefaultHTTPPrefix, ts.Client(), NewIDGenerator(3))
	require.NoError(t, err)
	return ts, client
}

func TestHTTPInvoke(t *testing.T) {
	for _, compress := range []bool{true, false} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			_, client := startHTTP(t, newTestServer())
			client.SetCompression(compress)

			got, _, err := Invoke(context.Background(), client, coord, &udf.CallDescriptor{
				Target: "demo.add",
				Args:   udf.List{int64(3), udf.NewInt64Tensor(4)},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(7), got)

			_, _, err = Invoke(context.Background(), client, coord, &udf.CallDescriptor{Target: "demo.boom"})
			var ue *udf.UDFExecutionError
			require.True(t, errors.As(err, &ue), "got %v", err)
			assert.Equal(t, "ValueError", ue.Type)
		})
	}
}

func TestHTTPDescribe(t *testing.T) {
	srv := newTestServer()
	srv.SetServerID("http-worker")
	_, client := startHTTP(t, srv)

	info, err := client.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http-worker", info.ServerID)
	assert.Contains(t, info.Functions, "demo.add")
}

func TestHTTPCompressesResponse(t *testing.T) {
	ts, _ := startHTTP(t, newTestServer())

	payload, tensors, err := udf.EncodeCall(&udf.CallDescriptor{
		Target: "demo.add",
		Args:   udf.List{int64(1), udf.NewInt64Tensor(1)},
	})
	require.NoError(t, err)
	var body bytes.Buffer
	require.NoError(t, WriteRequest(&body, &Request{Method: MethodCall, Payload: payload, Tensors: tensors}))

	req, err := http.NewRequest(http.MethodPost, ts.URL+DefaultHTTPPrefix+"/call", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", arrowContentType)
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, zstdEncoding, resp.Header.Get("Content-Encoding"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)

	parsed, err := ReadResponse(bytes.NewReader(plain))
	require.NoError(t, err)
	got, err := coord.LoadResult(context.Background(), parsed.Payload, parsed.Tensors)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestHTTPClientRejectsOversizedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", arrowContentType)
		_, _ = w.Write(make([]byte, 2048))
	}))
	t.Cleanup(ts.Close)

	client, err := NewHttpClient(ts.URL, ts.Client(), nil)
	require.NoError(t, err)
	client.maxBody = 1024

	_, err = client.Describe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response body exceeds 1024 bytes")
}

func TestReadLimited(t *testing.T) {
	body, err := readLimited(bytes.NewReader(make([]byte, 16)), 16, "request")
	require.NoError(t, err)
	assert.Len(t, body, 16)

	_, err = readLimited(bytes.NewReader(make([]byte, 17)), 16, "request")
	assert.EqualError(t, err, "request body exceeds 16 bytes")
}

func TestHTTPErrors(t *testing.T) {
	ts, client := startHTTP(t, newTestServer())

	t.Run("content type", func(t *testing.T) {
		resp, err := ts.Client().Post(ts.URL+DefaultHTTPPrefix+"/call", "text/plain", bytes.NewReader(nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

		_, err = ReadResponse(resp.Body)
		var rpcErr *RpcError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, "ProtocolError", rpcErr.Type)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp, err := ts.Client().Post(ts.URL+DefaultHTTPPrefix+"/nope", arrowContentType, bytes.NewReader(nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := client.Call(context.Background(), []byte{0x91}, nil)
		var rpcErr *RpcError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, "DecodeError", rpcErr.Type)
	})
}

func TestHTTPRejectsAfterDrain(t *testing.T) {
	srv := newTestServer()
	ts, _ := startHTTP(t, srv)
	require.NoError(t, srv.Drain(context.Background()))

	payload, tensors, err := udf.EncodeCall(&udf.CallDescriptor{Target: "demo.boom"})
	require.NoError(t, err)
	var body bytes.Buffer
	require.NoError(t, WriteRequest(&body, &Request{Method: MethodCall, Payload: payload, Tensors: tensors}))

	resp, err := ts.Client().Post(ts.URL+DefaultHTTPPrefix+"/call", arrowContentType, &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPLandingPage(t *testing.T) {
	ts, _ := startHTTP(t, newTestServer())
	for _, path := range []string{DefaultHTTPPrefix, DefaultHTTPPrefix + "/"} {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, string(body), "<code>demo.add</code>")
		assert.Contains(t, string(body), "POST /vgi-udf/call")
	}
}

func TestAcceptsZstd(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"gzip", false},
		{"zstd", true},
		{"gzip, zstd;q=0.5", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Accept-Encoding", tt.header)
		assert.Equal(t, tt.want, acceptsZstd(r), tt.header)
	}
}
