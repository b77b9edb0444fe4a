// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MessagePack extension ids used by the payload format.
const (
	extTensorRef   int8 = 1 // 4-byte big-endian index into the tensor table
	extTuple       int8 = 2 // nested MessagePack array
	extRemoteError int8 = 3 // nested array [type, message, traceback]
)

// maxDepth bounds container nesting so hostile payloads cannot exhaust the stack.
const maxDepth = 256

// Encode serializes v into a payload and the table of tensors it references.
// Tensors are replaced by placeholders in first-encounter order; a tensor
// referenced more than once is stored once.
func Encode(v Value) ([]byte, TensorTable, error) {
	e := &encoder{index: make(map[*Tensor]uint32)}
	e.enc = msgpack.NewEncoder(&e.buf)
	if err := e.encode(v, 0); err != nil {
		return nil, nil, err
	}
	return e.buf.Bytes(), e.table, nil
}

type encoder struct {
	buf   bytes.Buffer
	enc   *msgpack.Encoder
	table TensorTable
	index map[*Tensor]uint32
}

func (e *encoder) encode(v Value, depth int) error {
	if depth > maxDepth {
		return &EncodeError{Reason: fmt.Sprintf("nesting deeper than %d", maxDepth)}
	}
	switch x := v.(type) {
	case nil:
		return e.enc.EncodeNil()
	case bool:
		return e.enc.EncodeBool(x)
	case int:
		return e.enc.EncodeInt(int64(x))
	case int32:
		return e.enc.EncodeInt(int64(x))
	case int64:
		return e.enc.EncodeInt(x)
	case float32:
		return e.enc.EncodeFloat64(float64(x))
	case float64:
		return e.enc.EncodeFloat64(x)
	case string:
		return e.enc.EncodeString(x)
	case []byte:
		return e.enc.EncodeBytes(x)
	case List:
		if err := e.enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, item := range x {
			if err := e.encode(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case *Dict:
		if err := e.enc.EncodeMapLen(x.Len()); err != nil {
			return err
		}
		var err error
		x.Range(func(k string, item Value) bool {
			if err = e.enc.EncodeString(k); err != nil {
				return false
			}
			err = e.encode(item, depth+1)
			return err == nil
		})
		return err
	case Tuple:
		return e.nested(extTuple, func(sub *encoder) error {
			if err := sub.enc.EncodeArrayLen(len(x)); err != nil {
				return err
			}
			for _, item := range x {
				if err := sub.encode(item, depth+1); err != nil {
					return err
				}
			}
			return nil
		})
	case *Tensor:
		if x == nil {
			return e.enc.EncodeNil()
		}
		idx, ok := e.index[x]
		if !ok {
			idx = uint32(len(e.table))
			e.index[x] = idx
			e.table = append(e.table, x)
		}
		if err := e.enc.EncodeExtHeader(extTensorRef, 4); err != nil {
			return err
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], idx)
		_, err := e.buf.Write(b[:])
		return err
	case *RemoteError:
		return e.nested(extRemoteError, func(sub *encoder) error {
			if err := sub.enc.EncodeArrayLen(3); err != nil {
				return err
			}
			for _, s := range []string{x.Type, x.Message, x.Traceback} {
				if err := sub.enc.EncodeString(s); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return &EncodeError{Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

// nested encodes an extension whose body is itself a MessagePack stream. The
// sub-encoder shares the tensor table so placeholder order follows traversal.
func (e *encoder) nested(id int8, body func(sub *encoder) error) error {
	sub := &encoder{table: e.table, index: e.index}
	sub.enc = msgpack.NewEncoder(&sub.buf)
	if err := body(sub); err != nil {
		return err
	}
	e.table = sub.table
	if err := e.enc.EncodeExtHeader(id, sub.buf.Len()); err != nil {
		return err
	}
	_, err := e.buf.Write(sub.buf.Bytes())
	return err
}

// Decode deserializes a payload produced by [Encode], resolving tensor
// placeholders against table.
func Decode(payload []byte, table TensorTable) (Value, error) {
	v, err := decodeStream(payload, table, 0)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DecodeError{Reason: "malformed payload", Err: err}
	}
	return v, nil
}

func decodeStream(data []byte, table TensorTable, depth int) (Value, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	r := bytes.NewReader(data)
	d := &decoder{r: r, dec: msgpack.NewDecoder(r), table: table}
	v, err := d.decode(depth)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d trailing bytes", r.Len())}
	}
	return v, nil
}

type decoder struct {
	// r is read directly for extension bodies. msgpack does not buffer an
	// io.ByteScanner, so r and dec stay in step.
	r     *bytes.Reader
	dec   *msgpack.Decoder
	table TensorTable
}

func (d *decoder) decode(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, &DecodeError{Reason: fmt.Sprintf("nesting deeper than %d", maxDepth)}
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, truncated(err)
	}
	switch {
	case c == msgpcode.Nil:
		return nil, truncated(d.dec.DecodeNil())
	case c == msgpcode.True || c == msgpcode.False:
		b, err := d.dec.DecodeBool()
		return b, truncated(err)
	case c == msgpcode.Uint64:
		u, err := d.dec.DecodeUint64()
		if err != nil {
			return nil, truncated(err)
		}
		if u > math.MaxInt64 {
			return nil, &DecodeError{Reason: fmt.Sprintf("integer %d overflows int64", u)}
		}
		return int64(u), nil
	case msgpcode.IsFixedNum(c), c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32,
		c == msgpcode.Int64, c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32:
		n, err := d.dec.DecodeInt64()
		return n, truncated(err)
	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := d.dec.DecodeFloat64()
		return f, truncated(err)
	case msgpcode.IsString(c):
		s, err := d.dec.DecodeString()
		return s, truncated(err)
	case msgpcode.IsBin(c):
		b, err := d.dec.DecodeBytes()
		if err != nil {
			return nil, truncated(err)
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		items, err := d.decodeArray(depth)
		if err != nil {
			return nil, err
		}
		return List(items), nil
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return d.decodeMap(depth)
	case msgpcode.IsExt(c):
		return d.decodeExt(depth)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown tag 0x%02x", c)}
	}
}

func (d *decoder) decodeArray(depth int) ([]Value, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, truncated(err)
	}
	if n < 0 {
		n = 0
	}
	if n > d.r.Len() {
		return nil, &DecodeError{Reason: fmt.Sprintf("array length %d exceeds remaining input", n)}
	}
	items := make([]Value, n)
	for i := range n {
		if items[i], err = d.decode(depth + 1); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (d *decoder) decodeMap(depth int) (Value, error) {
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		return nil, truncated(err)
	}
	if n > d.r.Len() {
		return nil, &DecodeError{Reason: fmt.Sprintf("map length %d exceeds remaining input", n)}
	}
	m := NewDict()
	for range n {
		kc, err := d.dec.PeekCode()
		if err != nil {
			return nil, truncated(err)
		}
		if !msgpcode.IsString(kc) {
			return nil, &DecodeError{Reason: fmt.Sprintf("dict key with tag 0x%02x is not a string", kc)}
		}
		k, err := d.dec.DecodeString()
		if err != nil {
			return nil, truncated(err)
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		m.Set(k, v)
	}
	return m, nil
}

func (d *decoder) decodeExt(depth int) (Value, error) {
	id, n, err := d.dec.DecodeExtHeader()
	if err != nil {
		return nil, truncated(err)
	}
	if n > d.r.Len() {
		return nil, &DecodeError{Reason: fmt.Sprintf("extension length %d exceeds remaining input", n)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, truncated(err)
	}
	switch id {
	case extTensorRef:
		if n != 4 {
			return nil, &DecodeError{Reason: fmt.Sprintf("tensor placeholder of %d bytes", n)}
		}
		idx := binary.BigEndian.Uint32(body)
		if int64(idx) >= int64(len(d.table)) {
			return nil, &DecodeError{Reason: fmt.Sprintf("tensor placeholder %d out of range for table of %d", idx, len(d.table))}
		}
		t := d.table[idx]
		if t == nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("tensor table entry %d is nil", idx)}
		}
		return t, nil
	case extTuple:
		v, err := decodeStream(body, d.table, depth+1)
		if err != nil {
			return nil, err
		}
		items, ok := v.(List)
		if !ok {
			return nil, &DecodeError{Reason: fmt.Sprintf("tuple body is %T, not an array", v)}
		}
		return Tuple(items), nil
	case extRemoteError:
		v, err := decodeStream(body, d.table, depth+1)
		if err != nil {
			return nil, err
		}
		parts, ok := v.(List)
		if !ok || len(parts) != 3 {
			return nil, &DecodeError{Reason: "remote error body must be a 3-element array"}
		}
		re := &RemoteError{}
		for i, dst := range []*string{&re.Type, &re.Message, &re.Traceback} {
			s, ok := parts[i].(string)
			if !ok {
				return nil, &DecodeError{Reason: fmt.Sprintf("remote error field %d is %T", i, parts[i])}
			}
			*dst = s
		}
		return re, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown extension tag %d", id)}
	}
}

// truncated maps low-level read errors onto DecodeError.
func truncated(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Reason: "truncated payload", Err: err}
	}
	return &DecodeError{Reason: "malformed payload", Err: err}
}
