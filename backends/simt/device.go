// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

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

// Device is one emulated SIMT accelerator. Its memory is a single arena
// allocated up front, the way discrete devices carve allocations out of
// onboard RAM; buffers are spans of the arena.
type Device struct {
	backend *Backend
	ordinal int
	caps    backends.DeviceCapabilities
	mem     []byte

	mu        sync.Mutex
	free      []span // sorted by offset, coalesced
	used      int64
	buffers   map[*buffer]struct{}
	streams   map[*stream]struct{}
	kernels   map[uuid.UUID]*kernel
	peers     map[backends.Device]bool
	finalized bool
}

// span is a free arena range, in bytes.
type span struct {
	off, size int64
}

func newDevice(b *Backend, ordinal int, memoryCapacity int64) *Device {
	return &Device{
		backend: b,
		ordinal: ordinal,
		caps: backends.DeviceCapabilities{
			MaxGroupSize:         maxGroupSize,
			MaxGridDims:          backends.D3(1<<20, 1<<16, 1<<16),
			WarpWidth:            WarpWidth,
			SharedMemoryPerGroup: sharedMemoryPerGroup,
			MemoryCapacity:       memoryCapacity,
			TransferAlignment:    transferAlignment,
			SupportedDTypes: []dtypes.DType{
				dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Uint32,
				dtypes.Uint64, dtypes.Float16, dtypes.Float32,
			},
			EquivalenceTolerance: 1e-6,
		},
		mem:     backends.AlignedBytes(int(memoryCapacity), transferAlignment),
		free:    []span{{off: 0, size: memoryCapacity}},
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
	return fmt.Sprintf("simt:%d (warp %d, %s arena)",
		d.ordinal, WarpWidth, humanize.IBytes(uint64(d.caps.MemoryCapacity)))
}

// Capabilities implements backends.Device.
func (d *Device) Capabilities() *backends.DeviceCapabilities { return &d.caps }

// allocate carves a span out of the arena, first fit, aligned to the
// transfer alignment. Caller holds d.mu.
func (d *Device) allocate(size int64) (int64, bool) {
	if size == 0 {
		size = transferAlignment
	}
	size = (size + transferAlignment - 1) &^ (transferAlignment - 1)
	for i, s := range d.free {
		if s.size < size {
			continue
		}
		d.free[i] = span{off: s.off + size, size: s.size - size}
		if d.free[i].size == 0 {
			d.free = append(d.free[:i], d.free[i+1:]...)
		}
		d.used += size
		return s.off, true
	}
	return 0, false
}

// reclaim returns a span to the free list, coalescing neighbors. Caller
// holds d.mu.
func (d *Device) reclaim(off, size int64) {
	size = (size + transferAlignment - 1) &^ (transferAlignment - 1)
	if size == 0 {
		size = transferAlignment
	}
	d.used -= size
	i := 0
	for i < len(d.free) && d.free[i].off < off {
		i++
	}
	d.free = append(d.free, span{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = span{off: off, size: size}
	if i+1 < len(d.free) && d.free[i].off+d.free[i].size == d.free[i+1].off {
		d.free[i].size += d.free[i+1].size
		d.free = append(d.free[:i+1], d.free[i+2:]...)
	}
	if i > 0 && d.free[i-1].off+d.free[i-1].size == d.free[i].off {
		d.free[i-1].size += d.free[i].size
		d.free = append(d.free[:i], d.free[i+1:]...)
	}
}

// AllocateBuffer implements backends.Device. A failed allocation leaves the
// arena and all existing buffers untouched.
func (d *Device) AllocateBuffer(dtype dtypes.DType, length int) (backends.Buffer, error) {
	if !dtype.Ok() || length < 0 {
		return nil, errors.Errorf("cannot allocate %d elements of %s", length, dtype)
	}
	if !d.caps.Supports(dtype) {
		return nil, errors.Wrapf(kerrors.ErrBackendUnsupported, "simt devices have no %s storage", dtype)
	}
	size := int64(length) * int64(dtype.Size())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil, errors.Errorf("device %s is finalized", d.Description())
	}
	off, ok := d.allocate(size)
	if !ok {
		return nil, errors.Wrapf(kerrors.ErrDeviceOutOfMemory,
			"allocating %s on simt:%d (%s of %s in use)",
			humanize.IBytes(uint64(size)), d.ordinal,
			humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.caps.MemoryCapacity)))
	}
	buf := &buffer{device: d, dtype: dtype, length: length, base: off}
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
			"loading a %q artifact on a simt device", artifact.BackendName)
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
	if int64(prog.SharedBytes) > d.caps.SharedMemoryPerGroup {
		return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration,
			"kernel %q wants %d shared bytes, device offers %d",
			prog.KernelName, prog.SharedBytes, d.caps.SharedMemoryPerGroup)
	}
	k := &kernel{device: d, artifact: artifact, prog: prog}
	d.kernels[artifact.ID] = k
	if klog.V(2).Enabled() {
		klog.Infof("simt:%d loaded kernel:\n%s", d.ordinal, prog.Disassemble())
	}
	return k, nil
}

// Occupancy implements backends.Device. Groups narrower than a warp leave
// lanes idle; big register or shared memory footprints limit how many groups
// a multiprocessor holds. Advisory only.
func (d *Device) Occupancy(groupSize int, sharedMemoryBytes int64) float64 {
	if groupSize <= 0 || groupSize > d.caps.MaxGroupSize ||
		sharedMemoryBytes > d.caps.SharedMemoryPerGroup {
		return 0
	}
	occ := 1.0
	if rem := groupSize % WarpWidth; rem != 0 {
		warps := groupSize/WarpWidth + 1
		occ = float64(groupSize) / float64(warps*WarpWidth)
	}
	if sharedMemoryBytes > 0 {
		slots := d.caps.SharedMemoryPerGroup / sharedMemoryBytes
		if slots < maxResidentGroups {
			occ *= float64(slots) / float64(maxResidentGroups)
		}
	}
	return occ
}

// EnablePeerAccess implements backends.Device.
func (d *Device) EnablePeerAccess(peer backends.Device) error {
	if peer.Backend() != BackendName {
		return errors.Wrapf(kerrors.ErrCrossDeviceAccess,
			"simt devices cannot peer with %q devices", peer.Backend())
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
// handles, cascading, and drops the arena.
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
	d.mem = nil
	d.free = nil
	d.used = 0
	return err
}

// kernel is a loaded artifact on one simt device.
type kernel struct {
	device   *Device
	artifact *backends.Artifact
	prog     *Program
}

// Artifact implements backends.Kernel.
func (k *kernel) Artifact() *backends.Artifact { return k.artifact }

// Device implements backends.Kernel.
func (k *kernel) Device() backends.Device { return k.device }
