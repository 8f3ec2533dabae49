// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/velocore/velocore/types/dtypes"
)

// Buffer is a typed, fixed-length region of device-addressable memory,
// owned by the device that allocated it. All data movement (host in/out,
// fills, device copies) goes through a Stream so ordering stays explicit.
//
// A buffer may be used by several streams, but the runtime performs no race
// detection: the caller either confines a buffer to one stream or inserts a
// marker wait before a second stream touches data written by the first.
type Buffer interface {
	// DType is the element type.
	DType() dtypes.DType

	// Len is the number of elements.
	Len() int

	// SizeBytes is Len times the element size.
	SizeBytes() int64

	// Slice returns a sub-view of [start, start+length) elements sharing
	// the underlying memory. The view keeps the parent alive.
	Slice(start, length int) (Buffer, error)

	// Device returns the owning device.
	Device() Device

	// Free releases the buffer's device memory. Enqueued operations that
	// still reference it must have completed; freeing is immediate, not
	// stream-ordered.
	Free() error
}
