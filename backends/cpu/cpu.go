// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the host-CPU backend: kernels are lowered to a
// register-machine program and interpreted over a worker pool, one group per
// task. Groups with fully uniform control flow run as lockstep lane groups;
// divergent ones fall back to per-work-item execution with barrier
// suspension.
//
// Import it for its side effect of registering the "cpu" backend:
//
//	import _ "github.com/velocore/velocore/backends/cpu"
//
// Options accepted by NewWithConfig (comma-separated): "mem=<size>" caps the
// accounted device memory (default 4GiB), "workers=<n>" sets the pool's
// parallelism target.
package cpu

import (
	"bytes"
	"encoding/gob"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/internal/workerspool"
	"github.com/velocore/velocore/kir"
)

// BackendName is the registry name of this backend.
const BackendName = "cpu"

const (
	maxGroupSize         = 1024
	sharedMemoryPerGroup = 64 << 10
	transferAlignment    = 64
	defaultMemoryBytes   = 4 << 30
)

func init() {
	backends.Register(BackendName, New)
}

// Backend is the CPU backend. One host device.
type Backend struct {
	pool *workerspool.Pool

	mu        sync.Mutex
	devices   []*Device
	finalized bool
}

var _ backends.Backend = (*Backend)(nil)

// New creates a cpu backend from an options string, see the package doc.
func New(options string) (backends.Backend, error) {
	memory := int64(defaultMemoryBytes)
	pool := workerspool.New()
	for _, opt := range strings.Split(options, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, _ := strings.Cut(opt, "=")
		switch key {
		case "mem":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "cpu backend option %q", opt)
			}
			memory = int64(n)
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "cpu backend option %q", opt)
			}
			pool.SetTarget(n)
		default:
			return nil, errors.Errorf("unknown cpu backend option %q", opt)
		}
	}
	b := &Backend{pool: pool}
	b.devices = []*Device{newDevice(b, 0, memory)}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "interpreting CPU backend (" + cpuBrand() + ")"
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

// Device implements backends.Backend.
func (b *Backend) Device(n int) (backends.Device, error) {
	if n < 0 || n >= len(b.devices) {
		return nil, errors.Errorf("cpu backend has %d device(s), requested #%d", len(b.devices), n)
	}
	return b.devices[n], nil
}

// Generate implements backends.Backend: IR module -> register-machine
// program, gob-encoded into an immutable artifact.
func (b *Backend) Generate(m *kir.Module, spec *backends.LaunchSpec) (*backends.Artifact, error) {
	prog, err := generate(m, spec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(prog); err != nil {
		return nil, errors.Wrapf(err, "encoding program for kernel %q", m.Name)
	}
	return &backends.Artifact{
		ID:          uuid.New(),
		BackendName: BackendName,
		Code:        buf.Bytes(),
		Meta: backends.ResourceMetadata{
			KernelName:        prog.KernelName,
			GroupDims:         spec.GroupDims,
			GroupSize:         spec.GroupDims.Size(),
			SharedMemoryBytes: prog.SharedBytes,
			RegisterEstimate:  prog.NumRegs,
			Params:            prog.Params,
		},
	}, nil
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() error {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil
	}
	b.finalized = true
	devices := b.devices
	b.devices = nil
	b.mu.Unlock()

	var err error
	for _, d := range devices {
		err = multierr.Append(err, d.Finalize())
	}
	return err
}

// laneWidth is the number of float32 lanes of the widest vector unit,
// reported as the device's warp width.
func laneWidth() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.AVX), cpuid.CPU.Supports(cpuid.ASIMD):
		return 4
	default:
		return 4
	}
}

func cpuBrand() string {
	if name := cpuid.CPU.BrandName; name != "" {
		return name
	}
	return "unknown cpu"
}

// parallelChunks splits [0, n) across the worker pool. Small jobs run
// inline; the split cost dwarfs them otherwise.
func parallelChunks(pool *workerspool.Pool, n int, fn func(lo, hi int)) {
	const minChunk = 256 << 10
	workers := pool.Target()
	if n < 2*minChunk || workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			fn(lo, hi)
		})
	}
	wg.Wait()
}
