// Package dtypes defines the DType enum for every data type a velocore buffer
// or kernel value may carry.
//
// It includes converters to/from Go native types (and reflect.Type), sizes and
// constraint interfaces to be used with generics (Number, GoFloat).
//
// Float16 has no native Go representation: it is stored as its IEEE 754
// binary16 bits (uint16) and converted through github.com/x448/float16.
package dtypes

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// DType is an enum of the data types supported by kernels and buffers.
type DType int32

const (
	// InvalidDType serves as the default, invalid value.
	InvalidDType DType = iota

	// Bool is a two-state predicate. Stored as one byte.
	Bool

	// Int32 are signed integral values of fixed width.
	Int32
	Int64

	// Uint32 are unsigned integral values of fixed width.
	Uint32
	Uint64

	// Float16 is IEEE 754 binary16, stored as its raw bits (uint16).
	Float16

	// Float32 and Float64 are the usual IEEE 754 floating point values.
	Float32
	Float64

	// lastDType is a marker, keep it last.
	lastDType
)

var dtypeNames = [lastDType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype <= InvalidDType || dtype >= lastDType {
		return "InvalidDType"
	}
	return dtypeNames[dtype]
}

// Ok returns whether dtype is a valid data type.
func (dtype DType) Ok() bool {
	return dtype > InvalidDType && dtype < lastDType
}

// Size returns the number of bytes occupied by one element of dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Bool:
		return 1
	case Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// IsFloat returns whether dtype is one of the floating point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is one of the integer types, signed or not.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int32, Int64, Uint32, Uint64:
		return true
	}
	return false
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint32 || dtype == Uint64
}

// GoType returns the reflect.Type of the Go type used to store one element.
// Notice Float16 elements are stored as their raw bits, a uint16.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(bool(false))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	}
	return nil
}

// FromGoType returns the DType used to store values of the given Go type.
// It returns InvalidDType for unsupported types.
func FromGoType(t reflect.Type) DType {
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint32:
		return Uint32
	case reflect.Uint16:
		if t == reflect.TypeOf(float16.Float16(0)) {
			return Float16
		}
		return InvalidDType
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	}
	return InvalidDType
}

// FromAny returns the DType of a scalar value held in an interface, or an
// error for unsupported types.
func FromAny(value any) (DType, error) {
	dtype := FromGoType(reflect.TypeOf(value))
	if !dtype.Ok() {
		return InvalidDType, errors.Errorf("unsupported Go type %T for a kernel scalar", value)
	}
	return dtype, nil
}

// Number is a constraint with the Go types that map 1:1 to a numeric DType.
// Float16 is excluded, since its Go storage type (uint16 bits) is ambiguous.
type Number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// GoFloat are the native Go float types.
type GoFloat interface {
	constraints.Float
}

// Supported is the constraint with every Go type that can back a buffer,
// including bool and the raw-bits representation of Float16.
type Supported interface {
	~bool | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64 | float16.Float16
}
