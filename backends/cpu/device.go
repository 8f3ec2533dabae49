// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

// Device is the host device of the CPU backend. It owns an accounting arena
// of buffers, the streams and the loaded kernel handles; finalizing the
// device invalidates all of them at once.
type Device struct {
	backend *Backend
	ordinal int
	caps    backends.DeviceCapabilities

	mu        sync.Mutex
	used      int64
	buffers   map[*buffer]struct{}
	streams   map[*stream]struct{}
	kernels   map[uuid.UUID]*kernel
	peers     map[backends.Device]bool
	finalized bool
}

func newDevice(b *Backend, ordinal int, memoryCapacity int64) *Device {
	return &Device{
		backend: b,
		ordinal: ordinal,
		caps: backends.DeviceCapabilities{
			MaxGroupSize:         maxGroupSize,
			MaxGridDims:          backends.D3(1<<20, 1<<16, 1<<16),
			WarpWidth:            laneWidth(),
			SharedMemoryPerGroup: sharedMemoryPerGroup,
			MemoryCapacity:       memoryCapacity,
			TransferAlignment:    transferAlignment,
			SupportedDTypes: []dtypes.DType{
				dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Uint32,
				dtypes.Uint64, dtypes.Float16, dtypes.Float32, dtypes.Float64,
			},
			EquivalenceTolerance: 0, // reference backend: evaluator-exact
		},
		buffers: make(map[*buffer]struct{}),
		streams: make(map[*stream]struct{}),
		kernels: make(map[uuid.UUID]*kernel),
		peers:   make(map[backends.Device]bool),
	}
}

// Backend implements backends.Device.
func (d *Device) Backend() string { return BackendName }

// Ordinal implements backends.Device.
func (d *Device) Ordinal() int { return d.ordinal }

// Description implements backends.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("cpu:%d (%s, %d lanes, %s memory)",
		d.ordinal, cpuBrand(), d.caps.WarpWidth, humanize.IBytes(uint64(d.caps.MemoryCapacity)))
}

// Capabilities implements backends.Device.
func (d *Device) Capabilities() *backends.DeviceCapabilities { return &d.caps }

// AllocateBuffer implements backends.Device. Allocation is accounted
// against MemoryCapacity; failure leaves existing allocations untouched.
func (d *Device) AllocateBuffer(dtype dtypes.DType, length int) (backends.Buffer, error) {
	if !dtype.Ok() || length < 0 {
		return nil, errors.Errorf("cannot allocate %d elements of %s", length, dtype)
	}
	size := int64(length) * int64(dtype.Size())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil, errors.Errorf("device %s is finalized", d.Description())
	}
	if d.used+size > d.caps.MemoryCapacity {
		return nil, errors.Wrapf(kerrors.ErrDeviceOutOfMemory,
			"allocating %s on cpu:%d (%s of %s in use)",
			humanize.IBytes(uint64(size)), d.ordinal,
			humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.caps.MemoryCapacity)))
	}
	d.used += size
	buf := &buffer{
		device: d,
		dtype:  dtype,
		length: length,
		data:   backends.AlignedBytes(int(size), transferAlignment),
	}
	d.buffers[buf] = struct{}{}
	return buf, nil
}

// NewStream implements backends.Device.
func (d *Device) NewStream() (backends.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil, errors.Errorf("device %s is finalized", d.Description())
	}
	s := newStream(d)
	d.streams[s] = struct{}{}
	return s, nil
}

// LoadKernel implements backends.Device. Loading the same artifact twice
// returns the same handle.
func (d *Device) LoadKernel(artifact *backends.Artifact) (backends.Kernel, error) {
	if artifact.BackendName != BackendName {
		return nil, errors.Wrapf(kerrors.ErrCrossDeviceAccess,
			"loading a %q artifact on a cpu device", artifact.BackendName)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil, errors.Errorf("device %s is finalized", d.Description())
	}
	if k, ok := d.kernels[artifact.ID]; ok {
		return k, nil
	}
	prog := &Program{}
	if err := gob.NewDecoder(bytes.NewReader(artifact.Code)).Decode(prog); err != nil {
		return nil, errors.Wrapf(err, "decoding artifact %s", artifact.ID)
	}
	k := &kernel{device: d, artifact: artifact, prog: prog}
	d.kernels[artifact.ID] = k
	if klog.V(2).Enabled() {
		klog.Infof("cpu:%d loaded kernel:\n%s", d.ordinal, prog)
	}
	return k, nil
}

// Occupancy implements backends.Device. The estimate is the fraction of the
// worker pool a grid of such groups can keep busy, derated when the shared
// memory request limits how many groups fit concurrently. Advisory only.
func (d *Device) Occupancy(groupSize int, sharedMemoryBytes int64) float64 {
	if groupSize <= 0 || groupSize > d.caps.MaxGroupSize ||
		sharedMemoryBytes > d.caps.SharedMemoryPerGroup {
		return 0
	}
	occ := 1.0
	if width := d.caps.WarpWidth; groupSize < width {
		occ = float64(groupSize) / float64(width)
	}
	if sharedMemoryBytes > 0 {
		workers := int64(d.backend.pool.Target())
		budget := d.caps.SharedMemoryPerGroup * workers / sharedMemoryBytes
		if budget < workers {
			occ *= float64(budget) / float64(workers)
		}
	}
	return occ
}

// EnablePeerAccess implements backends.Device.
func (d *Device) EnablePeerAccess(peer backends.Device) error {
	if peer.Backend() != BackendName {
		return errors.Wrapf(kerrors.ErrCrossDeviceAccess,
			"cpu devices cannot peer with %q devices", peer.Backend())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer] = true
	return nil
}

// accepts reports whether a buffer may be used on this device.
func (d *Device) accepts(buf backends.Buffer) bool {
	if buf.Device() == backends.Device(d) {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[buf.Device()]
}

// Finalize implements backends.Device: releases streams, buffers and kernel
// handles, cascading.
func (d *Device) Finalize() error {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return nil
	}
	d.finalized = true
	streams := make([]*stream, 0, len(d.streams))
	for s := range d.streams {
		streams = append(streams, s)
	}
	buffers := make([]*buffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	d.streams, d.buffers, d.kernels = nil, nil, nil
	d.mu.Unlock()

	var err error
	for _, s := range streams {
		err = multierr.Append(err, s.q.Close())
	}
	for _, b := range buffers {
		b.release()
	}
	d.used = 0
	return err
}

// kernel is a loaded artifact on one cpu device.
type kernel struct {
	device   *Device
	artifact *backends.Artifact
	prog     *Program
}

// Artifact implements backends.Kernel.
func (k *kernel) Artifact() *backends.Artifact { return k.artifact }

// Device implements backends.Kernel.
func (k *kernel) Device() backends.Device { return k.device }
