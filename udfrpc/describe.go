// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-udf/udf"
)

// describeSchema is the one-row result of a __describe__ request.
var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "server_id", Type: arrow.BinaryTypes.String},
	{Name: "protocol_version", Type: arrow.BinaryTypes.String},
	{Name: "helper_module", Type: arrow.BinaryTypes.String},
	{Name: "helper_version", Type: arrow.BinaryTypes.String},
	{Name: "functions", Type: arrow.ListOf(arrow.BinaryTypes.String)},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName = "vgi_udf.protocol_name"
	ProtocolName     = "vgi_udf"
)

// DescribeInfo is the introspection record of a worker.
type DescribeInfo struct {
	ServerID        string
	ProtocolVersion string
	HelperModule    string
	HelperVersion   string
	// Functions lists the callable UDF targets as "module.function".
	Functions []string
}

// buildDescribeBatch builds the __describe__ response batch.
func (s *Server) buildDescribeBatch() arrow.RecordBatch {
	mem := memory.NewGoAllocator()

	strs := make([]*array.StringBuilder, 4)
	for i := range strs {
		strs[i] = array.NewStringBuilder(mem)
		defer strs[i].Release()
	}
	strs[0].Append(s.serverID)
	strs[1].Append(ProtocolVersion)
	strs[2].Append(udf.HelperModule)
	strs[3].Append(udf.HelperVersion)

	fnBuilder := array.NewListBuilder(mem, arrow.BinaryTypes.String)
	defer fnBuilder.Release()
	names := fnBuilder.ValueBuilder().(*array.StringBuilder)
	fnBuilder.Append(true)
	if s.functions != nil {
		names.AppendValues(s.functions(), nil)
	}

	cols := make([]arrow.Array, 0, 5)
	for _, b := range strs {
		cols = append(cols, b.NewArray())
	}
	cols = append(cols, fnBuilder.NewArray())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	meta := arrow.NewMetadata(
		[]string{MetaProtocolName, MetaServerID},
		[]string{ProtocolName, s.serverID},
	)
	return array.NewRecordBatchWithMetadata(describeSchema, cols, 1, meta)
}

// writeDescribe writes the __describe__ response stream.
func (s *Server) writeDescribe(w io.Writer) error {
	batch := s.buildDescribeBatch()
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	if err := writer.Write(batch); err != nil {
		return err
	}
	return writer.Close()
}

// ReadDescribe parses a __describe__ response stream.
func ReadDescribe(r io.Reader) (*DescribeInfo, error) {
	var info *DescribeInfo
	_, err := readResponseStream(r, func(batch arrow.RecordBatch, _ map[string]string) error {
		if !batch.Schema().Equal(describeSchema) || batch.NumRows() != 1 {
			return &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("unexpected describe batch %s", batch.Schema())}
		}
		col := func(i int) string { return batch.Column(i).(*array.String).Value(0) }
		info = &DescribeInfo{
			ServerID:        col(0),
			ProtocolVersion: col(1),
			HelperModule:    col(2),
			HelperVersion:   col(3),
		}
		fns := batch.Column(4).(*array.List)
		values := fns.ListValues().(*array.String)
		start, end := fns.ValueOffsets(0)
		for i := start; i < end; i++ {
			info.Functions = append(info.Functions, values.Value(int(i)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, &RpcError{Type: "ProtocolError", Message: "describe response has no batch"}
	}
	return info, nil
}
