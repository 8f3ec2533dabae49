// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/velocore/velocore/types/dtypes"
)

// Device is one execution target of a backend. It is the root resource
// owner: every stream, buffer and kernel handle is created through its
// device and dies with it. Devices refuse resources created by another
// device (kerrors.ErrCrossDeviceAccess) unless peer access was negotiated.
type Device interface {
	// Backend returns the owning backend's registry name.
	Backend() string

	// Ordinal is the device index within its backend.
	Ordinal() int

	// Description is a human-readable device description.
	Description() string

	// Capabilities returns the device's limits. The returned value is
	// immutable.
	Capabilities() *DeviceCapabilities

	// AllocateBuffer allocates a typed device buffer of length elements.
	// Exceeding MemoryCapacity fails with kerrors.ErrDeviceOutOfMemory
	// and leaves existing allocations untouched.
	AllocateBuffer(dtype dtypes.DType, length int) (Buffer, error)

	// NewStream creates an ordered asynchronous command queue on the
	// device.
	NewStream() (Stream, error)

	// LoadKernel turns an artifact produced by this device's backend into
	// a launchable handle. One handle per (artifact, device) pair;
	// repeated loads return the same handle.
	LoadKernel(artifact *Artifact) (Kernel, error)

	// Occupancy estimates the fraction of the device's parallelism a
	// launch with the given group size and shared-memory request would
	// achieve, in (0, 1]. Advisory only: auto-tuning input, not a
	// correctness contract.
	Occupancy(groupSize int, sharedMemoryBytes int64) float64

	// EnablePeerAccess allows buffers of the peer device to be used in
	// this device's streams.
	EnablePeerAccess(peer Device) error

	// Finalize releases the device and, cascading, every stream, buffer
	// and kernel handle it owns. All outstanding handles become invalid.
	Finalize() error
}

// Kernel is a loaded, launch-ready artifact on one specific device.
type Kernel interface {
	// Artifact returns the immutable compiled artifact behind the handle.
	Artifact() *Artifact

	// Device returns the owning device.
	Device() Device
}
