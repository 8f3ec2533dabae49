// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-limited pool of goroutines used by
// the CPU backend to execute work-groups: admission is bounded so a huge
// grid does not fan out into a huge number of goroutines, while short waits
// inside a group do not starve the machine.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool admits group-execution tasks up to a soft parallelism target.
type Pool struct {
	// target is the soft limit on concurrently running tasks.
	// 0 disables parallelism (tasks run inline), negative means unlimited.
	target int

	mu      sync.Mutex
	cond    sync.Cond // signaled whenever running decreases
	running int
}

// New returns a pool targeting runtime.NumCPU() parallel tasks.
func New() *Pool {
	p := &Pool{target: runtime.NumCPU()}
	p.cond.L = &p.mu
	return p
}

// Target returns the soft parallelism target.
func (p *Pool) Target() int { return p.target }

// SetTarget changes the soft parallelism target. Only call it before
// submitting work; changing it mid-run is undefined.
func (p *Pool) SetTarget(target int) { p.target = target }

// tasksPerTarget allows some oversubscription, so tasks blocked on memory
// stalls or brief waits do not leave cores idle.
const tasksPerTarget = 2

func (p *Pool) lockedIsFull() bool {
	if p.target == 0 {
		return true
	}
	if p.target < 0 {
		return false
	}
	return p.running >= tasksPerTarget*p.target
}

// WaitToStart blocks until a slot is free and then runs task in its own
// goroutine. With parallelism disabled the task runs inline instead.
func (p *Pool) WaitToStart(task func()) {
	if p.target < 0 {
		go task()
		return
	}
	if p.target == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// StartIfAvailable runs task in its own goroutine if a slot is free,
// reporting whether it did.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.target < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

func (p *Pool) lockedStart(task func()) {
	p.running++
	go func() {
		task()
		p.mu.Lock()
		p.running--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
