// Package xsync implements small synchronization helpers used by the runtime.
package xsync

import "sync"

// Latch is a one-shot signal: it can be waited on until triggered, and once
// triggered it stays triggered forever.
//
// The kernel cache uses a Latch per in-flight compilation, and streams use one
// per marker.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch, releasing every current and future Wait.
// Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		// Already triggered.
	default:
		close(l.done)
	}
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// WaitChan returns a channel that is closed when the latch triggers.
// Useful to combine with select.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
