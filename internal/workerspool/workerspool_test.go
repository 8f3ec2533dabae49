// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroTargetRunsInline(t *testing.T) {
	p := New()
	p.SetTarget(0)
	ran := false
	p.WaitToStart(func() { ran = true })
	assert.True(t, ran, "with parallelism disabled the task must run before WaitToStart returns")
	assert.False(t, p.StartIfAvailable(func() {}))
}

func TestSoftLimitHolds(t *testing.T) {
	p := New()
	p.SetTarget(2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		p.WaitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
		if i == 2*2-1 {
			// The pool is full now, further admissions must wait.
			assert.False(t, p.StartIfAvailable(func() {}))
			close(release)
		}
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(tasksPerTarget*2))
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	p := New()
	p.SetTarget(-1)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		require.True(t, p.StartIfAvailable(wg.Done))
	}
	wg.Wait()
}
