// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import "fmt"

// Value is any value that can cross the boundary:
//
//	nil, bool, int64, float64, string, []byte,
//	List, Tuple, *Dict, *Tensor, *RemoteError
//
// On encode, int, int32 and float32 are accepted and widened to int64 and
// float64.
type Value = any

// List is an ordered, mutable sequence.
type List []Value

// Tuple is an ordered, immutable sequence. It is kept distinct from List so
// positional argument packs and multi-value returns survive a round trip.
type Tuple []Value

// RemoteError is an error raised by a remote UDF and carried back as a
// result value.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteError) String() string { return fmt.Sprintf("RemoteError(%s: %s)", e.Type, e.Message) }

// Dict is a string-keyed mapping that preserves insertion order. Encoding
// walks its entries in that order, which keeps tensor table order
// deterministic. A nil *Dict behaves as an empty mapping for reads.
type Dict struct {
	keys    []string
	entries map[string]Value
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{entries: make(map[string]Value)}
}

// DictOf builds a Dict from alternating key, value arguments. It panics if a
// key is not a string; it is meant for literals in code and tests.
func DictOf(kv ...any) *Dict {
	if len(kv)%2 != 0 {
		panic("udf: DictOf needs an even number of arguments")
	}
	d := NewDict()
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("udf: DictOf key %v is %T, not string", kv[i], kv[i]))
		}
		d.Set(k, kv[i+1])
	}
	return d
}

// Set inserts or replaces a key. Replacing keeps the original position.
func (d *Dict) Set(key string, v Value) {
	if d.entries == nil {
		d.entries = make(map[string]Value)
	}
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = v
}

// Get returns the value for key.
func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.entries[key]
	return v, ok
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns a copy of the keys in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Range calls fn for each entry in insertion order until fn returns false.
func (d *Dict) Range(fn func(key string, v Value) bool) {
	if d == nil {
		return
	}
	for _, k := range d.keys {
		if !fn(k, d.entries[k]) {
			return
		}
	}
}
