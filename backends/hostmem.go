// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"math"
	"reflect"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/velocore/velocore/types/dtypes"
)

// Host staging helpers: every host<->device transfer funnels through a byte
// view of the caller's slice, so backends move raw bytes and never reflect on
// element types themselves.

// AlignedBytes allocates n bytes whose base address is aligned to align
// (a power of two). Devices ask for their TransferAlignment here to get
// page-locked-style staging behavior out of plain Go memory.
func AlignedBytes(n, align int) []byte {
	if align <= 1 {
		return make([]byte, n)
	}
	raw := make([]byte, n+align-1)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+n : off+n]
}

// HostBytes returns a byte view over a host slice together with its element
// dtype and length. The view aliases the slice; it is only valid while the
// slice is.
func HostBytes(slice any) ([]byte, dtypes.DType, int, error) {
	v := reflect.ValueOf(slice)
	if v.Kind() != reflect.Slice {
		return nil, dtypes.InvalidDType, 0, errors.Errorf("host transfer needs a slice, got %T", slice)
	}
	dtype := dtypes.FromGoType(v.Type().Elem())
	if !dtype.Ok() {
		return nil, dtypes.InvalidDType, 0, errors.Errorf("unsupported host slice element type %s", v.Type().Elem())
	}
	n := v.Len()
	if n == 0 {
		return nil, dtype, 0, nil
	}
	bytes := unsafe.Slice((*byte)(v.UnsafePointer()), n*dtype.Size())
	return bytes, dtype, n, nil
}

// CheckTransfer validates a host slice against the buffer it transfers
// to/from and returns the byte view.
func CheckTransfer(slice any, buf Buffer) ([]byte, error) {
	bytes, dtype, n, err := HostBytes(slice)
	if err != nil {
		return nil, err
	}
	if dtype != buf.DType() {
		return nil, errors.Errorf("transferring %s host data to/from a %s buffer", dtype, buf.DType())
	}
	if n != buf.Len() {
		return nil, errors.Errorf("host slice has %d elements, buffer has %d", n, buf.Len())
	}
	return bytes, nil
}

// ScalarBits returns the raw bit pattern of a host scalar, widened to 64
// bits the way kernel registers store it: signed values sign-extended,
// unsigned zero-extended, floats as their IEEE bits.
func ScalarBits(value any) (uint64, dtypes.DType, error) {
	dtype, err := dtypes.FromAny(value)
	if err != nil {
		return 0, dtypes.InvalidDType, err
	}
	v := reflect.ValueOf(value)
	switch {
	case dtype == dtypes.Bool:
		if v.Bool() {
			return 1, dtype, nil
		}
		return 0, dtype, nil
	case dtype == dtypes.Float32:
		return uint64(math.Float32bits(float32(v.Float()))), dtype, nil
	case dtype == dtypes.Float64:
		return math.Float64bits(v.Float()), dtype, nil
	case dtype == dtypes.Float16:
		return v.Uint(), dtype, nil
	case dtype.IsUnsigned():
		return v.Uint(), dtype, nil
	default:
		return uint64(v.Int()), dtype, nil
	}
}
