// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"container/list"
	"fmt"

	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/types/kerrors"
	"github.com/velocore/velocore/types/xsync"
)

// cacheKey identifies one compiled artifact: same kernel, same backend, same
// specialization.
type cacheKey struct {
	backend string
	sig     string
	spec    string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s-%s-%s", k.backend, k.sig, k.spec)
}

// entryState is the lifecycle of a cache entry.
//
//go:generate go tool enumer -type=entryState -trimprefix=state
type entryState int

const (
	stateUninitialized entryState = iota
	stateCompiling
	stateReady
	stateFailed
)

// entry is one cache slot. The latch triggers exactly once, when the entry
// reaches a terminal state; artifact and err are immutable afterwards.
type entry struct {
	state    entryState
	latch    *xsync.Latch
	artifact *backends.Artifact
	err      error
	size     int64
	lru      *list.Element // nil while compiling
}

// wait blocks until the entry is terminal and replays its outcome.
func (e *entry) wait() (*backends.Artifact, error) {
	e.latch.Wait()
	return e.artifact, e.err
}

// cache is the in-memory artifact cache: a key-addressed state machine with
// at-most-one compilation per key and LRU eviction by artifact code size.
type cache struct {
	budget int64

	mu      sync.Mutex
	entries map[cacheKey]*entry
	order   *list.List // of cacheKey, least recently used in front
	total   int64
}

func newCache(budget int64) *cache {
	return &cache{
		budget:  budget,
		entries: make(map[cacheKey]*entry),
		order:   list.New(),
	}
}

// acquire returns the entry for a key and whether the caller owns the
// compilation. Non-owners wait on the entry; ready entries count as a use.
func (c *cache) acquire(key cacheKey) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.state == stateReady {
			c.order.MoveToBack(e.lru)
		}
		return e, false
	}
	e := &entry{state: stateCompiling, latch: xsync.NewLatch()}
	c.entries[key] = e
	return e, true
}

// complete moves an owned entry to its terminal state and triggers waiters.
// Failures are cached as-is; replayed errors carry the compilation-failed
// sentinel around the original cause.
func (c *cache) complete(key cacheKey, e *entry, artifact *backends.Artifact, err error) {
	c.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.err = fmt.Errorf("%w: %w", kerrors.ErrCompilationFailed, err)
	} else {
		e.state = stateReady
		e.artifact = artifact
		e.size = artifact.Size()
		e.lru = c.order.PushBack(key)
		c.total += e.size
		c.evictLocked(key)
	}
	c.mu.Unlock()
	e.latch.Trigger()
}

// evictLocked drops least-recently-used ready entries until the budget
// holds, never evicting the entry just inserted.
func (c *cache) evictLocked(keep cacheKey) {
	for c.total > c.budget && c.order.Len() > 1 {
		front := c.order.Front()
		key := front.Value.(cacheKey)
		if key == keep {
			c.order.MoveToBack(front)
			continue
		}
		e := c.entries[key]
		c.order.Remove(front)
		delete(c.entries, key)
		c.total -= e.size
		klog.V(1).Infof("compiler: evicted %s (%s) from the kernel cache",
			key, humanize.IBytes(uint64(e.size)))
	}
}

// invalidate removes a terminal entry; an in-flight compilation is left to
// land normally.
func (c *cache) invalidate(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state == stateCompiling {
		return
	}
	if e.lru != nil {
		c.order.Remove(e.lru)
		c.total -= e.size
	}
	delete(c.entries, key)
}

// clear drops everything; used by Context.Finalize.
func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*entry)
	c.order.Init()
	c.total = 0
}
