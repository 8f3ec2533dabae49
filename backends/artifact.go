// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/velocore/velocore/types/dtypes"
)

// Artifact is the output of one code generation: backend-specific executable
// code plus the resource metadata launches are validated against. Immutable
// once produced; shared read-only by every launch of the specialization.
type Artifact struct {
	// ID uniquely identifies this compilation, across processes.
	ID uuid.UUID

	// BackendName is the registry name of the producing backend. Only
	// devices of that backend can load the artifact.
	BackendName string

	// Code is the backend-specific program, gob-encoded so artifacts can
	// be persisted to the on-disk cache.
	Code []byte

	Meta ResourceMetadata
}

// ResourceMetadata describes what an artifact needs from a device.
type ResourceMetadata struct {
	KernelName string

	// GroupDims is the specialization's fixed group extent; GroupSize is
	// its product.
	GroupDims Dims
	GroupSize int

	// SharedMemoryBytes is the per-group scratch requirement.
	SharedMemoryBytes int64

	// RegisterEstimate is the per-work-item register footprint, an
	// advisory input to occupancy estimation.
	RegisterEstimate int

	// Params is the runtime argument list, in order.
	Params []ParamInfo
}

// ParamKind discriminates launch argument kinds.
type ParamKind int

const (
	ScalarParam ParamKind = iota
	ViewParam
)

// ParamInfo describes one runtime kernel argument.
type ParamInfo struct {
	Name  string
	Kind  ParamKind
	DType dtypes.DType
	Rank  int
}

// Size returns the artifact's code size in bytes, the unit of cache
// accounting.
func (a *Artifact) Size() int64 { return int64(len(a.Code)) }

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	return fmt.Sprintf("%s/%s[%s, group=%s, shared=%s, ~%d regs]",
		a.BackendName, a.Meta.KernelName, humanize.IBytes(uint64(len(a.Code))),
		a.Meta.GroupDims, humanize.IBytes(uint64(a.Meta.SharedMemoryBytes)),
		a.Meta.RegisterEstimate)
}
