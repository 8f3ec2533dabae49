// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/types/dtypes"
)

// buffer is a typed span of the device arena. Slices address into the
// parent's span and keep it accounted until the root is freed.
type buffer struct {
	device *Device
	dtype  dtypes.DType
	length int
	base   int64 // byte offset into the arena

	parent *buffer
	freed  atomic.Bool
}

var _ backends.Buffer = (*buffer)(nil)

func (b *buffer) DType() dtypes.DType { return b.dtype }
func (b *buffer) Len() int            { return b.length }

func (b *buffer) SizeBytes() int64 {
	return int64(b.length) * int64(b.dtype.Size())
}

func (b *buffer) Device() backends.Device { return b.device }

// bytes returns the buffer's arena span.
func (b *buffer) bytes() []byte {
	return b.device.mem[b.base : b.base+b.SizeBytes()]
}

// Slice implements backends.Buffer.
func (b *buffer) Slice(start, length int) (backends.Buffer, error) {
	if b.freed.Load() {
		return nil, errors.Errorf("slicing a freed buffer")
	}
	if start < 0 || length < 0 || start+length > b.length {
		return nil, errors.Errorf("slice [%d:%d) outside buffer of %d elements", start, start+length, b.length)
	}
	return &buffer{
		device: b.device,
		dtype:  b.dtype,
		length: length,
		base:   b.base + int64(start)*int64(b.dtype.Size()),
		parent: b,
	}, nil
}

// Free implements backends.Buffer. Only root buffers return their span to
// the arena; sub-views just become unusable.
func (b *buffer) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}
	if b.parent != nil {
		return nil
	}
	d := b.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.finalized {
		delete(d.buffers, b)
		d.reclaim(b.base, b.SizeBytes())
	}
	return nil
}

// release marks the buffer dead without touching the free list; used by the
// device's cascading Finalize.
func (b *buffer) release() {
	b.freed.Store(true)
}
