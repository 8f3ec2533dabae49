// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package simt implements an emulated SIMT accelerator backend: kernels are
// lowered to a GPU-flavored instruction stream and executed by warps of 32
// lanes in lockstep, with an explicit re-convergence stack for divergent
// control flow. Device memory is a preallocated arena, transfers stage
// through it, and Float64 is not supported, which makes the backend a
// faithful stand-in for discrete hardware in tests.
//
// Import it for its side effect of registering the "simt" backend:
//
//	import _ "github.com/velocore/velocore/backends/simt"
//
// Options accepted by NewWithConfig (comma-separated): "mem=<size>" sets the
// per-device arena (default 1GiB), "devices=<n>" the number of emulated
// devices, "workers=<n>" the pool's parallelism target.
package simt

import (
	"bytes"
	"encoding/gob"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/internal/workerspool"
	"github.com/velocore/velocore/kir"
)

// BackendName is the registry name of this backend.
const BackendName = "simt"

const (
	maxGroupSize         = 1024
	sharedMemoryPerGroup = 48 << 10
	transferAlignment    = 256
	defaultArenaBytes    = 1 << 30
	maxResidentGroups    = 16 // occupancy model, groups per multiprocessor
)

func init() {
	backends.Register(BackendName, New)
}

// Backend is the emulated SIMT backend.
type Backend struct {
	pool *workerspool.Pool

	mu        sync.Mutex
	devices   []*Device
	finalized bool
}

var _ backends.Backend = (*Backend)(nil)

// New creates a simt backend from an options string, see the package doc.
func New(options string) (backends.Backend, error) {
	arena := int64(defaultArenaBytes)
	devices := 1
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
				return nil, errors.Wrapf(err, "simt backend option %q", opt)
			}
			arena = int64(n)
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, errors.Errorf("simt backend option %q: need a positive count", opt)
			}
			devices = n
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "simt backend option %q", opt)
			}
			pool.SetTarget(n)
		default:
			return nil, errors.Errorf("unknown simt backend option %q", opt)
		}
	}
	b := &Backend{pool: pool}
	for i := 0; i < devices; i++ {
		b.devices = append(b.devices, newDevice(b, i, arena))
	}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "emulated SIMT accelerator backend (warp 32)"
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

// Device implements backends.Backend.
func (b *Backend) Device(n int) (backends.Device, error) {
	if n < 0 || n >= len(b.devices) {
		return nil, errors.Errorf("simt backend has %d device(s), requested #%d", len(b.devices), n)
	}
	return b.devices[n], nil
}

// Generate implements backends.Backend: IR module -> SIMT instruction
// stream, gob-encoded into an immutable artifact.
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
