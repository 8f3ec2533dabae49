package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSizes(t *testing.T) {
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 4, Uint32.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 8, Uint64.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 0, InvalidDType.Size())
}

func TestGoTypeRoundTrip(t *testing.T) {
	for _, dtype := range []DType{Bool, Int32, Int64, Uint32, Uint64, Float16, Float32, Float64} {
		goType := dtype.GoType()
		require.NotNil(t, goType, "GoType for %s", dtype)
		assert.Equal(t, dtype, FromGoType(goType), "round-trip for %s", dtype)
	}
}

func TestFromAny(t *testing.T) {
	dtype, err := FromAny(float32(7))
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)

	dtype, err = FromAny(float16.Fromfloat32(1.5))
	require.NoError(t, err)
	assert.Equal(t, Float16, dtype)

	_, err = FromAny("not a kernel scalar")
	require.Error(t, err)
}

func TestFromGoTypeRejectsPlainUint16(t *testing.T) {
	assert.Equal(t, InvalidDType, FromGoType(reflect.TypeOf(uint16(0))))
}
