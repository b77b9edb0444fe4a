// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGenerator(t *testing.T) {
	g := NewIDGenerator(0xabcd)
	assert.Equal(t, uint64(0xabcd)<<48|1, g.Next())
	assert.Equal(t, uint64(0xabcd)<<48|2, g.Next())

	worker, seq, err := ParseRequestID(g.NextString())
	require.NoError(t, err)
	assert.Equal(t, uint16(0xabcd), worker)
	assert.Equal(t, uint64(3), seq)

	_, _, err = ParseRequestID("xyz")
	assert.Error(t, err)
}

func TestIDGeneratorWraps(t *testing.T) {
	g := NewIDGenerator(1)
	g.counter.Store(counterMask - 1)
	assert.Equal(t, uint64(1)<<48|counterMask, g.Next())
	// Zero is skipped so an id never equals the bare worker prefix.
	assert.Equal(t, uint64(1)<<48|1, g.Next())
}

func TestIDGeneratorConcurrent(t *testing.T) {
	g := NewIDGenerator(2)
	const n = 100
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- g.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %x", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
