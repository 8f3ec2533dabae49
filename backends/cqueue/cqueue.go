// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package cqueue implements the command queue behind every stream: an
// unbounded deque drained by one goroutine, so enqueueing never blocks the
// caller and commands run strictly in submission order.
//
// Both in-tree backends build their streams on it; only the commands differ.
package cqueue

import (
	"sync"

	"github.com/oleiade/lane/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/velocore/velocore/types/xsync"
)

type command struct {
	name string
	run  func() error

	// always commands (markers) run even after the queue turned sticky
	// with an earlier error.
	always bool
}

// Queue is an ordered asynchronous command queue. The first command error
// sticks: subsequent commands are skipped (markers still complete) and the
// error surfaces at Synchronize.
type Queue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	pending *lane.Deque[command]
	err     error
	closed  bool

	drained chan struct{}
}

// New creates a queue and starts its drainer goroutine. name shows up in
// logs only.
func New(name string) *Queue {
	q := &Queue{
		name:    name,
		pending: lane.NewDeque[command](),
		drained: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	return q
}

// Enqueue submits a command. It never blocks; the command runs on the
// drainer goroutine after everything enqueued before it.
func (q *Queue) Enqueue(name string, run func() error) error {
	return q.enqueue(command{name: name, run: run})
}

func (q *Queue) enqueue(cmd command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.Errorf("stream %s: enqueue %q after Finalize", q.name, cmd.name)
	}
	q.pending.Append(cmd)
	q.cond.Signal()
	return nil
}

// Marker enqueues a completion point: it triggers once every command
// enqueued before it has completed (or was skipped by a sticky error).
func (q *Queue) Marker() (*Marker, error) {
	m := &Marker{latch: xsync.NewLatch()}
	err := q.enqueue(command{
		name:   "marker",
		run:    func() error { m.latch.Trigger(); return nil },
		always: true,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Wait enqueues a dependency: later commands of this queue do not run until
// w completes. w is typically a Marker of another queue.
func (q *Queue) Wait(w interface{ Wait() }) error {
	return q.enqueue(command{name: "wait", run: func() error { w.Wait(); return nil }, always: true})
}

// Synchronize blocks until everything enqueued so far completed and returns
// the queue's sticky error, if any.
func (q *Queue) Synchronize() error {
	m, err := q.Marker()
	if err != nil {
		return err
	}
	m.Wait()
	return q.Err()
}

// Err returns the sticky error without blocking.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close drains the queue and stops the drainer. Further enqueues fail.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.drained
		return nil
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.drained
	return q.Err()
}

func (q *Queue) drain() {
	defer close(q.drained)
	for {
		q.mu.Lock()
		for q.pending.Empty() && !q.closed {
			q.cond.Wait()
		}
		cmd, ok := q.pending.Shift()
		if !ok {
			q.mu.Unlock()
			return // closed and empty
		}
		skip := q.err != nil && !cmd.always
		q.mu.Unlock()

		if skip {
			continue
		}
		if err := cmd.run(); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
			klog.V(1).Infof("stream %s: command %q failed: %v", q.name, cmd.name, err)
		}
	}
}

// Marker is a stream completion point. It satisfies backends.Marker.
type Marker struct {
	latch *xsync.Latch
}

// Done reports completion without blocking.
func (m *Marker) Done() bool { return m.latch.Test() }

// Wait blocks until the marker completes.
func (m *Marker) Wait() { m.latch.Wait() }
