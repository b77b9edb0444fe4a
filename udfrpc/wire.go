// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-udf/udf"
)

// payloadSchema carries one serialized payload per batch. The tensors column
// holds the nested IPC stream of the tensor table, null when it is empty.
var payloadSchema = arrow.NewSchema([]arrow.Field{
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
	{Name: "tensors", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// Request represents a parsed request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	LogLevel  string
	Payload   []byte
	Tensors   udf.TensorTable
	// Metadata holds every custom metadata entry of the request batch,
	// including trace propagation headers.
	Metadata map[string]string
}

// ReadRequest reads one complete IPC stream from the reader and extracts the
// method, request id and payload from its first batch. Protocol violations
// are returned as *RpcError; io.EOF means the peer closed the stream.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, &RpcError{Type: "ProtocolError", Message: "request stream has no batch"}
	}
	batch := reader.RecordBatch()

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}
	req := &Request{Metadata: make(map[string]string, meta.Len())}
	for i := range meta.Len() {
		req.Metadata[meta.Keys()[i]] = meta.Values()[i]
	}
	req.RequestID = req.Metadata[MetaRequestID]
	req.LogLevel = req.Metadata[MetaLogLevel]

	var ok bool
	if req.Method, ok = req.Metadata[MetaMethod]; !ok {
		drain(reader)
		return nil, &RpcError{
			Type:      "ProtocolError",
			Message:   "Missing '" + MetaMethod + "' in request batch custom_metadata",
			RequestID: req.RequestID,
		}
	}
	req.Version = req.Metadata[MetaRequestVersion]
	if req.Version != ProtocolVersion {
		drain(reader)
		return nil, &RpcError{
			Type:      "VersionError",
			Message:   fmt.Sprintf("Unsupported request version %q, expected %q", req.Version, ProtocolVersion),
			RequestID: req.RequestID,
		}
	}

	if batch.Schema().NumFields() > 0 {
		req.Payload, req.Tensors, err = readPayloadRow(batch)
		if err != nil {
			drain(reader)
			return nil, &RpcError{Type: "ProtocolError", Message: err.Error(), RequestID: req.RequestID}
		}
	}

	drain(reader)
	return req, nil
}

// drain reads the rest of the stream up to EOS.
func drain(reader *ipc.Reader) {
	for reader.Next() {
	}
}

// readPayloadRow extracts the payload and tensor table of a one-row batch.
func readPayloadRow(batch arrow.RecordBatch) ([]byte, udf.TensorTable, error) {
	if !batch.Schema().Equal(payloadSchema) {
		return nil, nil, fmt.Errorf("unexpected batch schema %s", batch.Schema())
	}
	if batch.NumRows() != 1 {
		return nil, nil, fmt.Errorf("expected 1 row in payload batch, got %d", batch.NumRows())
	}
	payloadCol := batch.Column(0).(*array.Binary)
	tensorsCol := batch.Column(1).(*array.Binary)

	payload := append([]byte{}, payloadCol.Value(0)...)
	if tensorsCol.IsNull(0) {
		return payload, nil, nil
	}
	table, err := decodeTensorTable(tensorsCol.Value(0))
	if err != nil {
		return nil, nil, err
	}
	return payload, table, nil
}

// payloadBatch builds a one-row batch carrying payload and its tensor table.
func payloadBatch(payload []byte, tensors udf.TensorTable, meta arrow.Metadata) (arrow.RecordBatch, error) {
	tableBytes, err := encodeTensorTable(tensors)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()
	payloadBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer payloadBuilder.Release()
	tensorsBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer tensorsBuilder.Release()

	payloadBuilder.Append(payload)
	if tableBytes == nil {
		tensorsBuilder.AppendNull()
	} else {
		tensorsBuilder.Append(tableBytes)
	}

	cols := []arrow.Array{payloadBuilder.NewArray(), tensorsBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatchWithMetadata(payloadSchema, cols, 1, meta), nil
}

// WriteRequest writes req as a complete IPC stream. Entries of req.Metadata
// are sent alongside the protocol keys.
func WriteRequest(w io.Writer, req *Request) error {
	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{req.Method, ProtocolVersion}
	if req.RequestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, req.RequestID)
	}
	if req.LogLevel != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, req.LogLevel)
	}
	for k, v := range req.Metadata {
		switch k {
		case MetaMethod, MetaRequestVersion, MetaRequestID, MetaLogLevel:
			continue
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	meta := arrow.NewMetadata(keys, vals)

	if req.Method == MethodDescribe {
		schema := arrow.NewSchema(nil, nil)
		batch := emptyBatch(schema)
		defer batch.Release()
		withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
		defer withMeta.Release()

		writer := ipc.NewWriter(w, ipc.WithSchema(schema))
		if err := writer.Write(withMeta); err != nil {
			return err
		}
		return writer.Close()
	}

	batch, err := payloadBatch(req.Payload, req.Tensors, meta)
	if err != nil {
		return err
	}
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(payloadSchema))
	if err := writer.Write(batch); err != nil {
		return err
	}
	return writer.Close()
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		builder := array.NewBuilder(mem, f.Type)
		cols[i] = builder.NewArray()
		builder.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// responseMeta appends the server and request ids to keys and vals.
func responseMeta(keys, vals []string, serverID, requestID string) arrow.Metadata {
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return arrow.NewMetadata(keys, vals)
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}
	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}

	batch := emptyBatch(schema)
	defer batch.Release()
	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0,
		responseMeta(keys, vals, serverID, requestID))
	defer withMeta.Release()
	return w.Write(withMeta)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}

	batch := emptyBatch(schema)
	defer batch.Release()
	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0,
		responseMeta(keys, vals, serverID, requestID))
	defer withMeta.Release()
	return w.Write(withMeta)
}

// WriteResponse writes a complete IPC stream: log batches first, then the
// result batch.
func WriteResponse(w io.Writer, logs []LogMessage, payload []byte, tensors udf.TensorTable, serverID, requestID string) error {
	batch, err := payloadBatch(payload, tensors, responseMeta(nil, nil, serverID, requestID))
	if err != nil {
		return err
	}
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(payloadSchema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, payloadSchema, logMsg, serverID, requestID); err != nil {
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	if err := writer.Write(batch); err != nil {
		return fmt.Errorf("writing result batch: %w", err)
	}
	return writer.Close()
}

// WriteErrorResponse writes a complete IPC stream of log batches followed by
// an error batch.
func WriteErrorResponse(w io.Writer, logs []LogMessage, err error, serverID, requestID string, debug bool) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(payloadSchema))
	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, payloadSchema, logMsg, serverID, requestID); werr != nil {
			return fmt.Errorf("writing log batch: %w", werr)
		}
	}
	if werr := writeErrorBatch(writer, payloadSchema, err, serverID, requestID, debug); werr != nil {
		return fmt.Errorf("writing error batch: %w", werr)
	}
	return writer.Close()
}

// Response is a parsed response stream.
type Response struct {
	Payload   []byte
	Tensors   udf.TensorTable
	Logs      []LogMessage
	ServerID  string
	RequestID string
}

// readResponseStream reads one response stream. Log batches are collected,
// an EXCEPTION batch ends the stream with an *RpcError, and other batches are
// handed to onData.
func readResponseStream(r io.Reader, onData func(arrow.RecordBatch, map[string]string) error) (*Response, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading response IPC stream: %w", err)
	}
	defer reader.Release()

	resp := &Response{}
	var result error
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := map[string]string{}
		if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
			m := rb.Metadata()
			for i := range m.Len() {
				meta[m.Keys()[i]] = m.Values()[i]
			}
		}
		if id := meta[MetaServerID]; id != "" {
			resp.ServerID = id
		}
		if id := meta[MetaRequestID]; id != "" {
			resp.RequestID = id
		}

		level, isLog := meta[MetaLogLevel]
		switch {
		case result != nil:
		case isLog && LogLevel(level) == LogException:
			result = parseErrorExtra(meta[MetaLogMessage], meta[MetaLogExtra], meta[MetaRequestID])
		case isLog && batch.NumRows() == 0:
			msg := LogMessage{Level: LogLevel(level), Message: meta[MetaLogMessage]}
			if extra := meta[MetaLogExtra]; extra != "" {
				_ = json.Unmarshal([]byte(extra), &msg.Extras)
			}
			resp.Logs = append(resp.Logs, msg)
		default:
			result = onData(batch, meta)
		}
	}
	if err := reader.Err(); err != nil {
		return resp, fmt.Errorf("reading response batch: %w", err)
	}
	return resp, result
}

// ReadResponse reads a call response. A peer-side failure is returned as an
// *RpcError together with the logs that preceded it.
func ReadResponse(r io.Reader) (*Response, error) {
	var got bool
	var payload []byte
	var tensors udf.TensorTable
	resp, err := readResponseStream(r, func(batch arrow.RecordBatch, _ map[string]string) error {
		if got {
			return &RpcError{Type: "ProtocolError", Message: "more than one result batch"}
		}
		got = true
		var err error
		payload, tensors, err = readPayloadRow(batch)
		if err != nil {
			return &RpcError{Type: "ProtocolError", Message: err.Error()}
		}
		return nil
	})
	if err != nil {
		return resp, err
	}
	if !got {
		return resp, &RpcError{Type: "ProtocolError", Message: "response has no result batch"}
	}
	resp.Payload, resp.Tensors = payload, tensors
	return resp, nil
}
