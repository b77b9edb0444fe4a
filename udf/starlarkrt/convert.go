// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package starlarkrt

import (
	"errors"
	"fmt"
	"regexp"

	"go.starlark.net/starlark"

	"github.com/Query-farm/vgi-udf/udf"
)

// maxDepth bounds conversion of nested (possibly cyclic) containers.
const maxDepth = 256

// toStarlark converts a boundary value into a Starlark value.
func toStarlark(v udf.Value, depth int) (starlark.Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case udf.List:
		elems := make([]starlark.Value, len(x))
		for i, item := range x {
			e, err := toStarlark(item, depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return starlark.NewList(elems), nil
	case udf.Tuple:
		elems := make(starlark.Tuple, len(x))
		for i, item := range x {
			e, err := toStarlark(item, depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return elems, nil
	case *udf.Dict:
		d := starlark.NewDict(x.Len())
		var err error
		x.Range(func(k string, item udf.Value) bool {
			var e starlark.Value
			if e, err = toStarlark(item, depth+1); err != nil {
				return false
			}
			err = d.SetKey(starlark.String(k), e)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case *udf.Tensor:
		return &Tensor{t: x}, nil
	default:
		return nil, fmt.Errorf("cannot pass %T to the interpreter", v)
	}
}

// fromStarlark converts a Starlark value back into a boundary value.
func fromStarlark(v starlark.Value, depth int) (udf.Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", x.String())
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(string(x)), nil
	case *starlark.List:
		out := make(udf.List, x.Len())
		for i := range x.Len() {
			e, err := fromStarlark(x.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make(udf.Tuple, len(x))
		for i, item := range x {
			e, err := fromStarlark(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case *starlark.Dict:
		out := udf.NewDict()
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is %s, not string", item[0].String(), item[0].Type())
			}
			e, err := fromStarlark(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out.Set(string(k), e)
		}
		return out, nil
	case *Tensor:
		return x.t, nil
	default:
		return nil, fmt.Errorf("cannot return %s from the interpreter", v.Type())
	}
}

// typedMessage matches fail("ValueError: ...") style messages.
var typedMessage = regexp.MustCompile(`(?s)^(?:fail: )?([A-Z][A-Za-z]*Error): (.*)$`)

// interpreterError converts a Starlark evaluation error.
func interpreterError(err error) error {
	var ee *starlark.EvalError
	if !errors.As(err, &ee) {
		return &udf.InterpreterError{Type: "RuntimeError", Message: err.Error()}
	}
	ie := &udf.InterpreterError{Type: "EvalError", Message: ee.Msg, Traceback: ee.Backtrace()}
	if m := typedMessage.FindStringSubmatch(ee.Msg); m != nil {
		ie.Type, ie.Message = m[1], m[2]
	}
	return ie
}
