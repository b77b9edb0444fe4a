// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package starlarkrt

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/Query-farm/vgi-udf/udf"
)

// Tensor is the Starlark view of a udf.Tensor. It is immutable; indexing
// and iteration run over the flattened elements.
type Tensor struct {
	t *udf.Tensor
}

var (
	_ starlark.Indexable = (*Tensor)(nil)
	_ starlark.Iterable  = (*Tensor)(nil)
	_ starlark.HasAttrs  = (*Tensor)(nil)
)

func (v *Tensor) String() string {
	vals, err := v.t.Values()
	if err != nil {
		return v.t.String()
	}
	parts := make([]string, len(vals))
	for i, e := range vals {
		parts[i] = fmt.Sprint(e)
	}
	return fmt.Sprintf("tensor([%s], dtype=%s)", strings.Join(parts, ", "), v.t.DType)
}

func (v *Tensor) Type() string          { return "tensor" }
func (v *Tensor) Freeze()               {}
func (v *Tensor) Truth() starlark.Bool  { return v.t.NumElements() > 0 }
func (v *Tensor) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tensor") }
func (v *Tensor) Len() int              { return v.t.NumElements() }

func (v *Tensor) Index(i int) starlark.Value {
	e, err := v.t.Element(i)
	if err != nil {
		return starlark.None
	}
	sv, err := toStarlark(e, 0)
	if err != nil {
		return starlark.None
	}
	return sv
}

func (v *Tensor) Iterate() starlark.Iterator { return &tensorIterator{t: v} }

func (v *Tensor) Attr(name string) (starlark.Value, error) {
	switch name {
	case "dtype":
		return starlark.String(v.t.DType), nil
	case "shape":
		shape := make(starlark.Tuple, len(v.t.Shape))
		for i, d := range v.t.Shape {
			shape[i] = starlark.MakeInt64(d)
		}
		return shape, nil
	case "tolist":
		return starlark.NewBuiltin("tolist", tensorToList).BindReceiver(v), nil
	case "sum":
		return starlark.NewBuiltin("sum", tensorSum).BindReceiver(v), nil
	case "item":
		return starlark.NewBuiltin("item", tensorItem).BindReceiver(v), nil
	}
	return nil, nil
}

func (v *Tensor) AttrNames() []string {
	return []string{"dtype", "item", "shape", "sum", "tolist"}
}

type tensorIterator struct {
	t *Tensor
	i int
}

func (it *tensorIterator) Next(p *starlark.Value) bool {
	if it.i >= it.t.Len() {
		return false
	}
	*p = it.t.Index(it.i)
	it.i++
	return true
}

func (it *tensorIterator) Done() {}

func tensorToList(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	v := b.Receiver().(*Tensor)
	elems := make([]starlark.Value, v.Len())
	for i := range elems {
		elems[i] = v.Index(i)
	}
	return starlark.NewList(elems), nil
}

func tensorSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	v := b.Receiver().(*Tensor)
	vals, err := v.t.Values()
	if err != nil {
		return nil, err
	}
	switch v.t.DType {
	case udf.Float64, udf.Float32:
		var total float64
		for _, e := range vals {
			total += e.(float64)
		}
		return starlark.Float(total), nil
	case udf.Bool:
		var total int64
		for _, e := range vals {
			if e.(bool) {
				total++
			}
		}
		return starlark.MakeInt64(total), nil
	default:
		var total int64
		for _, e := range vals {
			total += e.(int64)
		}
		return starlark.MakeInt64(total), nil
	}
}

func tensorItem(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	v := b.Receiver().(*Tensor)
	if n := v.Len(); n != 1 {
		return nil, fmt.Errorf("item: tensor has %d elements, expected 1", n)
	}
	return v.Index(0), nil
}

// makeTensor implements tensor(values, dtype="int64").
func makeTensor(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values starlark.Iterable
	dtype := string(udf.Int64)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &values, "dtype?", &dtype); err != nil {
		return nil, err
	}
	var elems []udf.Value
	iter := values.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		e, err := fromStarlark(x, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		elems = append(elems, e)
	}
	t, err := udf.NewTensorFromValues(udf.DType(dtype), elems)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return &Tensor{t: t}, nil
}
