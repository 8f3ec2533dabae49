// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/velocore/velocore/types/kerrors"
)

// Dims is a three-axis extent. Unused axes are 1, never 0.
type Dims struct {
	X, Y, Z int
}

// D1, D2 and D3 build extents with the unused axes normalized to 1.
func D1(x int) Dims       { return Dims{X: x, Y: 1, Z: 1} }
func D2(x, y int) Dims    { return Dims{X: x, Y: y, Z: 1} }
func D3(x, y, z int) Dims { return Dims{X: x, Y: y, Z: z} }

// Size returns the total number of items in the extent.
func (d Dims) Size() int { return d.X * d.Y * d.Z }

// Axis returns the extent along one axis.
func (d Dims) Axis(axis int) int {
	switch axis {
	case 0:
		return d.X
	case 1:
		return d.Y
	default:
		return d.Z
	}
}

// String implements fmt.Stringer.
func (d Dims) String() string { return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z) }

// LaunchSpec is the launch specialization a kernel is compiled for: the
// compile-time-fixed parameters that distinguish otherwise identical kernel
// signatures in the cache. The grid extent is not part of it; grids vary per
// launch without recompilation.
type LaunchSpec struct {
	// GroupDims is the fixed work-group extent.
	GroupDims Dims

	// Constants binds scalar kernel parameters to compile-time values.
	// Bound parameters disappear from the launch argument list.
	Constants map[string]any
}

// Hash returns a stable content hash of the specialization.
func (s *LaunchSpec) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "group=%s\n", s.GroupDims)
	names := make([]string, 0, len(s.Constants))
	for name := range s.Constants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "const %s=%T(%v)\n", name, s.Constants[name], s.Constants[name])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Arg is one launch argument: either a device buffer bound to a view
// parameter, or a host scalar bound to an unbound scalar parameter.
type Arg struct {
	Buffer Buffer
	Scalar any

	// Dims are the logical extents of a view argument. Their product must
	// equal the buffer length; zero value means 1-D with the buffer length.
	Dims []int
}

// BufferArg binds a buffer to a 1-D view parameter.
func BufferArg(b Buffer) Arg { return Arg{Buffer: b} }

// ViewArg binds a buffer to a view parameter with explicit extents.
func ViewArg(b Buffer, dims ...int) Arg { return Arg{Buffer: b, Dims: dims} }

// ScalarArg binds a host scalar to a scalar parameter.
func ScalarArg(v any) Arg { return Arg{Scalar: v} }

// ValidateLaunch checks a launch request against the device limits and the
// artifact's compiled-in requirements. Violations are
// kerrors.ErrLaunchConfiguration.
func ValidateLaunch(caps *DeviceCapabilities, meta *ResourceMetadata, grid Dims, nargs int) error {
	if grid.X < 1 || grid.Y < 1 || grid.Z < 1 {
		return errors.Wrapf(kerrors.ErrLaunchConfiguration, "grid %s has an empty axis", grid)
	}
	if grid.X > caps.MaxGridDims.X || grid.Y > caps.MaxGridDims.Y || grid.Z > caps.MaxGridDims.Z {
		return errors.Wrapf(kerrors.ErrLaunchConfiguration, "grid %s exceeds the device limit %s",
			grid, caps.MaxGridDims)
	}
	if meta.GroupSize > caps.MaxGroupSize {
		return errors.Wrapf(kerrors.ErrLaunchConfiguration, "group size %d exceeds the device limit %d",
			meta.GroupSize, caps.MaxGroupSize)
	}
	if meta.SharedMemoryBytes > caps.SharedMemoryPerGroup {
		return errors.Wrapf(kerrors.ErrLaunchConfiguration, "shared memory %d bytes exceeds the device limit %d",
			meta.SharedMemoryBytes, caps.SharedMemoryPerGroup)
	}
	if nargs != len(meta.Params) {
		return errors.Wrapf(kerrors.ErrLaunchConfiguration, "kernel %q takes %d arguments, got %d",
			meta.KernelName, len(meta.Params), nargs)
	}
	return nil
}
