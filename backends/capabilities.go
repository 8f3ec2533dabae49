// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/velocore/velocore/types/dtypes"
)

// DeviceCapabilities describes the hard limits and advisory characteristics
// of one device. All limits are enforced at launch time; the advisory fields
// (WarpWidth, EquivalenceTolerance) exist for callers that size their own
// work, they carry no correctness contract.
type DeviceCapabilities struct {
	// MaxGroupSize is the largest number of work-items in one group
	// (product of the group dims).
	MaxGroupSize int

	// MaxGridDims is the largest grid extent per axis, in groups.
	MaxGridDims Dims

	// WarpWidth is the number of work-items the device executes in
	// lockstep (1 on scalar devices).
	WarpWidth int

	// SharedMemoryPerGroup is the group-shared scratch limit in bytes.
	SharedMemoryPerGroup int64

	// MemoryCapacity is the total allocatable device memory in bytes.
	MemoryCapacity int64

	// TransferAlignment is the host staging alignment in bytes.
	TransferAlignment int

	// SupportedDTypes lists the element types the device can compute with.
	SupportedDTypes []dtypes.DType

	// EquivalenceTolerance is the documented relative tolerance within
	// which this device's float results match other backends. Zero means
	// bit-exact.
	EquivalenceTolerance float64
}

// Supports reports whether the device can compute with the given dtype.
func (c *DeviceCapabilities) Supports(dtype dtypes.DType) bool {
	for _, d := range c.SupportedDTypes {
		if d == dtype {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (c *DeviceCapabilities) String() string {
	return fmt.Sprintf("maxGroup=%d warp=%d shared=%s/group mem=%s",
		c.MaxGroupSize, c.WarpWidth,
		humanize.IBytes(uint64(c.SharedMemoryPerGroup)),
		humanize.IBytes(uint64(c.MemoryCapacity)))
}
