// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

const (
	workerShift = 48
	counterMask = 1<<workerShift - 1
)

// IDGenerator issues request ids that stay unique across workers: the worker
// id occupies the high 16 bits and a per-generator counter the low 48.
type IDGenerator struct {
	worker  uint64
	counter atomic.Uint64
}

// NewIDGenerator returns a generator for the given worker.
func NewIDGenerator(worker uint16) *IDGenerator {
	return &IDGenerator{worker: uint64(worker) << workerShift}
}

// Next returns the next id. The counter starts at 1 and wraps after 2^48-1.
func (g *IDGenerator) Next() uint64 {
	for {
		if n := g.counter.Add(1) & counterMask; n != 0 {
			return g.worker | n
		}
	}
}

// NextString returns the next id formatted for the request_id metadata key.
func (g *IDGenerator) NextString() string {
	return FormatRequestID(g.Next())
}

// FormatRequestID renders id as 16 hex digits.
func FormatRequestID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// ParseRequestID splits an id produced by [IDGenerator.NextString].
func ParseRequestID(s string) (worker uint16, seq uint64, err error) {
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing request id %q: %w", s, err)
	}
	return uint16(id >> workerShift), id & counterMask, nil
}
