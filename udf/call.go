// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udf

import (
	"fmt"
	"strings"
)

// CallDescriptor is the decoded form of a remote call.
type CallDescriptor struct {
	// Target is the qualified name of the callable, "module.function".
	Target string
	Args   List
	Kwargs *Dict
}

// Validate checks that the target names a module and a function.
func (c *CallDescriptor) Validate() error {
	i := strings.LastIndexByte(c.Target, '.')
	if i <= 0 || i == len(c.Target)-1 {
		return fmt.Errorf("call target %q must have the form module.function", c.Target)
	}
	return nil
}

// Module returns the module part of the target.
func (c *CallDescriptor) Module() string {
	if i := strings.LastIndexByte(c.Target, '.'); i > 0 {
		return c.Target[:i]
	}
	return ""
}

// Function returns the function part of the target.
func (c *CallDescriptor) Function() string {
	if i := strings.LastIndexByte(c.Target, '.'); i >= 0 {
		return c.Target[i+1:]
	}
	return c.Target
}

// EncodeCall serializes a call descriptor for transmission. The payload is
// the tuple (target, args, kwargs).
func EncodeCall(c *CallDescriptor) ([]byte, TensorTable, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, &EncodeError{Reason: err.Error()}
	}
	args := c.Args
	if args == nil {
		args = List{}
	}
	kwargs := c.Kwargs
	if kwargs == nil {
		kwargs = NewDict()
	}
	return Encode(Tuple{c.Target, args, kwargs})
}

// DecodeCall reconstructs a call descriptor from a payload and its tensor
// table.
func DecodeCall(payload []byte, table TensorTable) (*CallDescriptor, error) {
	v, err := Decode(payload, table)
	if err != nil {
		return nil, err
	}
	parts, ok := v.(Tuple)
	if !ok || len(parts) != 3 {
		return nil, &DecodeError{Reason: fmt.Sprintf("call payload must be a (target, args, kwargs) tuple, got %T", v)}
	}
	target, ok := parts[0].(string)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("call target is %T, not a string", parts[0])}
	}
	c := &CallDescriptor{Target: target}
	switch a := parts[1].(type) {
	case List:
		c.Args = a
	case Tuple:
		c.Args = List(a)
	case nil:
		c.Args = List{}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("call args are %T, not a sequence", parts[1])}
	}
	switch k := parts[2].(type) {
	case *Dict:
		c.Kwargs = k
	case nil:
		c.Kwargs = NewDict()
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("call kwargs are %T, not a dict", parts[2])}
	}
	if err := c.Validate(); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	return c, nil
}
