// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"bytes"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DType names the element type of a [Tensor].
type DType string

const (
	Int64   DType = "int64"
	Int32   DType = "int32"
	Float64 DType = "float64"
	Float32 DType = "float32"
	Uint8   DType = "uint8"
	Bool    DType = "bool"
)

// ItemSize returns the width in bytes of one element, or 0 for an unknown dtype.
func (d DType) ItemSize() int {
	switch d {
	case Int64, Float64:
		return 8
	case Int32, Float32:
		return 4
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d is a supported dtype.
func (d DType) Valid() bool { return d.ItemSize() > 0 }

// Tensor is a dense, row-major numeric buffer. Its bytes live in an Arrow
// buffer and are transmitted out of band in a [TensorTable], never inside a
// serialized payload.
type Tensor struct {
	DType DType
	Shape []int64
	buf   *memory.Buffer
}

// TensorTable is the ordered out-of-band buffer table that accompanies a
// payload. The index of a tensor is its identity within one payload.
type TensorTable []*Tensor

// NewTensor wraps data without copying. The length of data must equal the
// element count implied by shape times the dtype item size.
func NewTensor(dtype DType, shape []int64, data []byte) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
	n := int64(1)
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("negative tensor dimension %d", dim)
		}
		if dim != 0 && n > math.MaxInt64/dim {
			return nil, fmt.Errorf("tensor shape %v overflows the element count", shape)
		}
		n *= dim
	}
	item := int64(dtype.ItemSize())
	if n > math.MaxInt64/item {
		return nil, fmt.Errorf("tensor %s%v overflows the byte count", dtype, shape)
	}
	if want := n * item; int64(len(data)) != want {
		return nil, fmt.Errorf("tensor %s%v needs %d bytes, got %d", dtype, shape, want, len(data))
	}
	return &Tensor{
		DType: dtype,
		Shape: append([]int64{}, shape...),
		buf:   memory.NewBufferBytes(data),
	}, nil
}

// NewInt64Tensor builds a one-dimensional int64 tensor.
func NewInt64Tensor(values ...int64) *Tensor {
	data := append([]byte{}, arrow.Int64Traits.CastToBytes(values)...)
	return &Tensor{DType: Int64, Shape: []int64{int64(len(values))}, buf: memory.NewBufferBytes(data)}
}

// NewFloat64Tensor builds a one-dimensional float64 tensor.
func NewFloat64Tensor(values ...float64) *Tensor {
	data := append([]byte{}, arrow.Float64Traits.CastToBytes(values)...)
	return &Tensor{DType: Float64, Shape: []int64{int64(len(values))}, buf: memory.NewBufferBytes(data)}
}

// Bytes returns the raw element bytes. The slice aliases the tensor buffer.
func (t *Tensor) Bytes() []byte {
	if t.buf == nil {
		return nil
	}
	return t.buf.Bytes()
}

// Buffer exposes the underlying Arrow buffer.
func (t *Tensor) Buffer() *memory.Buffer { return t.buf }

// Len returns the number of bytes held by the tensor.
func (t *Tensor) Len() int {
	if t.buf == nil {
		return 0
	}
	return t.buf.Len()
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	n := 1
	for _, dim := range t.Shape {
		n *= int(dim)
	}
	return n
}

// Retain increases the reference count of the underlying buffer.
func (t *Tensor) Retain() {
	if t.buf != nil {
		t.buf.Retain()
	}
}

// Release decreases the reference count of the underlying buffer.
func (t *Tensor) Release() {
	if t.buf != nil {
		t.buf.Release()
	}
}

// Element returns the i-th element in row-major order as a scalar Value
// (int64, float64 or bool).
func (t *Tensor) Element(i int) (Value, error) {
	n := t.NumElements()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("tensor index %d out of range [0, %d)", i, n)
	}
	b := t.Bytes()
	switch t.DType {
	case Int64:
		return arrow.Int64Traits.CastFromBytes(b)[i], nil
	case Int32:
		return int64(arrow.Int32Traits.CastFromBytes(b)[i]), nil
	case Float64:
		return arrow.Float64Traits.CastFromBytes(b)[i], nil
	case Float32:
		return float64(arrow.Float32Traits.CastFromBytes(b)[i]), nil
	case Uint8:
		return int64(b[i]), nil
	case Bool:
		return b[i] != 0, nil
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", t.DType)
	}
}

// Values returns all elements as scalars in row-major order.
func (t *Tensor) Values() ([]Value, error) {
	n := t.NumElements()
	out := make([]Value, n)
	for i := range n {
		v, err := t.Element(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Equal reports whether two tensors have the same dtype, shape and bytes.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || t.DType != o.DType || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return bytes.Equal(t.Bytes(), o.Bytes())
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s%v, %d bytes)", t.DType, t.Shape, t.Len())
}

// Release releases every tensor in the table.
func (tt TensorTable) Release() {
	for _, t := range tt {
		t.Release()
	}
}

// ByteSize returns the total number of tensor bytes in the table.
func (tt TensorTable) ByteSize() int64 {
	var total int64
	for _, t := range tt {
		total += int64(t.Len())
	}
	return total
}

// NewTensorFromValues builds a one-dimensional tensor of the given dtype from
// scalar values (int64, int, float64 or bool).
func NewTensorFromValues(dtype DType, values []Value) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
	data := make([]byte, len(values)*dtype.ItemSize())
	for i, v := range values {
		var f float64
		var n int64
		switch x := v.(type) {
		case int64:
			n, f = x, float64(x)
		case int:
			n, f = int64(x), float64(x)
		case float64:
			n, f = int64(x), x
		case bool:
			if x {
				n, f = 1, 1
			}
		default:
			return nil, fmt.Errorf("tensor element %d is %T, not a number", i, v)
		}
		switch dtype {
		case Int64:
			arrow.Int64Traits.PutValue(data[i*8:], n)
		case Int32:
			arrow.Int32Traits.PutValue(data[i*4:], int32(n))
		case Float64:
			arrow.Float64Traits.PutValue(data[i*8:], f)
		case Float32:
			arrow.Float32Traits.PutValue(data[i*4:], float32(f))
		case Uint8:
			data[i] = byte(n)
		case Bool:
			if n != 0 || f != 0 {
				data[i] = 1
			}
		}
	}
	return NewTensor(dtype, []int64{int64(len(values))}, data)
}
