// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cqueue

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdering(t *testing.T) {
	q := New("test")
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue("step", func() error {
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, q.Synchronize())
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStickyError(t *testing.T) {
	q := New("test")
	defer q.Close()

	boom := errors.New("boom")
	ran := false
	require.NoError(t, q.Enqueue("fail", func() error { return boom }))
	require.NoError(t, q.Enqueue("after", func() error { ran = true; return nil }))

	err := q.Synchronize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, ran, "commands after a failure must be skipped")

	// The error stays until the queue dies.
	require.Error(t, q.Synchronize())
	assert.True(t, errors.Is(q.Err(), boom))
}

func TestMarkerCompletesAfterError(t *testing.T) {
	q := New("test")
	defer q.Close()

	require.NoError(t, q.Enqueue("fail", func() error { return errors.New("boom") }))
	m, err := q.Marker()
	require.NoError(t, err)
	m.Wait() // must not hang: markers run even on a failed queue
	assert.True(t, m.Done())
}

func TestCrossQueueWait(t *testing.T) {
	q1 := New("one")
	q2 := New("two")
	defer q1.Close()
	defer q2.Close()

	fired := false
	require.NoError(t, q1.Enqueue("produce", func() error { fired = true; return nil }))
	m, err := q1.Marker()
	require.NoError(t, err)

	var observed bool
	require.NoError(t, q2.Wait(m))
	require.NoError(t, q2.Enqueue("consume", func() error { observed = fired; return nil }))
	require.NoError(t, q2.Synchronize())
	assert.True(t, observed)
}

func TestCloseRejectsNewWork(t *testing.T) {
	q := New("test")
	require.NoError(t, q.Close())
	require.NoError(t, q.Close()) // idempotent
	err := q.Enqueue("late", func() error { return nil })
	require.Error(t, err)
}
