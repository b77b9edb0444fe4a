// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"nil", nil},
		{"true", true},
		{"false", false},
		{"zero", int64(0)},
		{"negative int", int64(-42)},
		{"max int64", int64(math.MaxInt64)},
		{"min int64", int64(math.MinInt64)},
		{"float", 3.25},
		{"string", "hello"},
		{"empty string", ""},
		{"bytes", []byte{0, 1, 2, 255}},
		{"empty list", List{}},
		{"list", List{int64(1), "two", 3.0, nil}},
		{"tuple", Tuple{"a", int64(1)}},
		{"empty tuple", Tuple{}},
		{"dict", DictOf("b", int64(2), "a", int64(1))},
		{"nested", List{Tuple{List{DictOf("k", Tuple{true})}}}},
		{"remote error", &RemoteError{Type: "ValueError", Message: "bad", Traceback: "tb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, table, err := Encode(tt.value)
			require.NoError(t, err)
			assert.Empty(t, table)

			got, err := Decode(payload, table)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestEncodeWidensNumbers(t *testing.T) {
	payload, _, err := Encode(List{7, int32(8), float32(1.5)})
	require.NoError(t, err)

	got, err := Decode(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, List{int64(7), int64(8), 1.5}, got)
}

func TestDictKeepsInsertionOrder(t *testing.T) {
	d := DictOf("zebra", int64(1), "alpha", int64(2), "mid", int64(3))
	payload, _, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"zebra", "alpha", "mid"}, got.(*Dict).Keys())
}

func TestEncodeExtractsTensorsInTraversalOrder(t *testing.T) {
	t0 := NewInt64Tensor(1, 2, 3)
	t1 := NewFloat64Tensor(0.5)
	t2 := NewInt64Tensor(9)

	v := List{
		t0,
		DictOf("second", t1, "nested", Tuple{t2}),
	}

	payload, table, err := Encode(v)
	require.NoError(t, err)
	require.Len(t, table, 3)
	assert.Same(t, t0, table[0])
	assert.Same(t, t1, table[1])
	assert.Same(t, t2, table[2])

	assert.False(t, bytes.Contains(payload, t0.Bytes()), "tensor bytes leaked into the payload")

	got, err := Decode(payload, table)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	list := got.(List)
	assert.Equal(t, t0.Bytes(), list[0].(*Tensor).Bytes())
}

func TestEncodeStoresRepeatedTensorOnce(t *testing.T) {
	shared := NewInt64Tensor(5, 6)
	payload, table, err := Encode(Tuple{shared, shared, List{shared}})
	require.NoError(t, err)
	require.Len(t, table, 1)

	got, err := Decode(payload, table)
	require.NoError(t, err)
	tuple := got.(Tuple)
	assert.Same(t, shared, tuple[0])
	assert.Same(t, shared, tuple[1])
	assert.Same(t, shared, tuple[2].(List)[0])
}

func TestDecodeTensorFromForeignTable(t *testing.T) {
	payload, table, err := Encode(NewInt64Tensor(4))
	require.NoError(t, err)

	// A table rebuilt by a transport carries equal bytes in fresh buffers.
	copied, err := NewTensor(table[0].DType, table[0].Shape, append([]byte{}, table[0].Bytes()...))
	require.NoError(t, err)

	got, err := Decode(payload, TensorTable{copied})
	require.NoError(t, err)
	assert.True(t, table[0].Equal(got.(*Tensor)))
}

func TestEncodeRejectsUnsupportedTypes(t *testing.T) {
	_, _, err := Encode(List{struct{}{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncode))
}

func TestDecodeMalformed(t *testing.T) {
	good, table, err := Encode(List{"hello", NewInt64Tensor(1)})
	require.NoError(t, err)

	var nonStringKey bytes.Buffer
	enc := msgpack.NewEncoder(&nonStringKey)
	require.NoError(t, enc.EncodeMapLen(1))
	require.NoError(t, enc.EncodeInt(1))
	require.NoError(t, enc.EncodeString("v"))

	var unknownExt bytes.Buffer
	enc = msgpack.NewEncoder(&unknownExt)
	require.NoError(t, enc.EncodeExtHeader(42, 1))
	unknownExt.WriteByte(0)

	var bigUint bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&bigUint).EncodeUint64(1<<63))

	tests := []struct {
		name    string
		payload []byte
		table   TensorTable
	}{
		{"empty", nil, nil},
		{"uint64 above int64 range", bigUint.Bytes(), nil},
		{"truncated", good[:len(good)-1], table},
		{"truncated string", good[:4], table},
		{"placeholder out of range", good, nil},
		{"trailing bytes", append(append([]byte{}, good...), 0xc0), table},
		{"never used code", []byte{0xc1}, nil},
		{"unknown extension", unknownExt.Bytes(), nil},
		{"non-string dict key", nonStringKey.Bytes(), nil},
		{"huge array header", []byte{0xdd, 0xff, 0xff, 0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload, tt.table)
			require.Error(t, err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de), "got %T: %v", err, err)
			assert.True(t, errors.Is(err, ErrDecode))
		})
	}
}

func TestDecodeUint64InRange(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).EncodeUint64(math.MaxInt64))
	v, err := Decode(buf.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)
}
