// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-udf/udf"
)

// tensorSchema describes the out-of-band tensor table: one row per tensor,
// in table order.
var tensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}, nil)

// encodeTensorTable serializes a tensor table as an Arrow IPC stream. An
// empty table encodes to nil.
func encodeTensorTable(table udf.TensorTable) ([]byte, error) {
	if len(table) == 0 {
		return nil, nil
	}
	mem := memory.NewGoAllocator()

	dtypeBuilder := array.NewStringBuilder(mem)
	defer dtypeBuilder.Release()
	shapeBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int64)
	defer shapeBuilder.Release()
	dimBuilder := shapeBuilder.ValueBuilder().(*array.Int64Builder)
	dataBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer dataBuilder.Release()

	for i, t := range table {
		if t == nil {
			return nil, fmt.Errorf("tensor table entry %d is nil", i)
		}
		dtypeBuilder.Append(string(t.DType))
		shapeBuilder.Append(true)
		dimBuilder.AppendValues(t.Shape, nil)
		dataBuilder.Append(t.Bytes())
	}

	cols := []arrow.Array{dtypeBuilder.NewArray(), shapeBuilder.NewArray(), dataBuilder.NewArray()}
	batch := array.NewRecordBatch(tensorSchema, cols, int64(len(table)))
	for _, c := range cols {
		c.Release()
	}
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(tensorSchema), ipc.WithAllocator(mem))
	if err := w.Write(batch); err != nil {
		return nil, fmt.Errorf("writing tensor table: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing tensor table: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeTensorTable reads a tensor table written by [encodeTensorTable].
// Tensor bytes are copied out of the IPC buffers so the table outlives the
// reader.
func decodeTensorTable(data []byte) (udf.TensorTable, error) {
	if len(data) == 0 {
		return nil, nil
	}
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading tensor table: %w", err)
	}
	defer reader.Release()
	if !reader.Schema().Equal(tensorSchema) {
		return nil, fmt.Errorf("tensor table schema %s, expected %s", reader.Schema(), tensorSchema)
	}

	var table udf.TensorTable
	for reader.Next() {
		batch := reader.RecordBatch()
		dtypes := batch.Column(0).(*array.String)
		shapes := batch.Column(1).(*array.List)
		dims := shapes.ListValues().(*array.Int64)
		blobs := batch.Column(2).(*array.Binary)

		for i := range int(batch.NumRows()) {
			start, end := shapes.ValueOffsets(i)
			shape := make([]int64, 0, end-start)
			for j := start; j < end; j++ {
				shape = append(shape, dims.Value(int(j)))
			}
			t, err := udf.NewTensor(udf.DType(dtypes.Value(i)), shape, append([]byte{}, blobs.Value(i)...))
			if err != nil {
				return nil, fmt.Errorf("tensor %d: %w", len(table), err)
			}
			table = append(table, t)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("reading tensor table: %w", err)
	}
	return table, nil
}
