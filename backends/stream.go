// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Stream is an ordered asynchronous command queue on one device. Enqueue
// calls never block and return after submission; they only guarantee
// submission order within this stream. Errors raised by an enqueued
// operation stick to the stream and surface at the next Synchronize.
type Stream interface {
	// Device returns the owning device.
	Device() Device

	// CopyIn enqueues a host-to-device copy. src must be a slice whose
	// element type matches dst's dtype and whose length matches dst.
	CopyIn(dst Buffer, src any) error

	// CopyOut enqueues a device-to-host copy into the given slice.
	// The slice contents are defined only after Synchronize.
	CopyOut(dst any, src Buffer) error

	// CopyBuffer enqueues a device-to-device copy between buffers of the
	// same dtype and length.
	CopyBuffer(dst, src Buffer) error

	// Fill enqueues setting every element of dst to value.
	Fill(dst Buffer, value any) error

	// Launch enqueues a kernel launch over the given grid of groups.
	// Launch configuration problems (grid/group/shared limits, argument
	// arity) are detected at enqueue time and returned immediately.
	Launch(k Kernel, grid Dims, args ...Arg) error

	// Marker enqueues a marker and returns it. The marker completes when
	// every operation enqueued before it has completed.
	Marker() (Marker, error)

	// WaitMarker enqueues a wait: later operations of this stream do not
	// run until the marker (typically from another stream) completes.
	WaitMarker(m Marker) error

	// Synchronize blocks the calling goroutine until every enqueued
	// operation completed, and returns the first error any of them hit.
	Synchronize() error

	// Finalize drains the stream and releases it.
	Finalize() error
}

// Marker is a completion point in a stream, used for timing and for explicit
// cross-stream dependencies.
type Marker interface {
	// Done reports whether the marker completed, without blocking.
	Done() bool

	// Wait blocks until the marker completes.
	Wait()
}
