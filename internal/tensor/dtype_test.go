package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeForStorage(t *testing.T) {
	tests := []struct {
		class string
		want  DataType
	}{
		{"FloatStorage", Float32},
		{"torch.FloatStorage", Float32},
		{"DoubleStorage", Float64},
		{"HalfStorage", Float16},
		{"BFloat16Storage", BFloat16},
		{"BoolStorage", Bool},
		{"ByteStorage", Uint8},
		{"UInt32Storage", Int32},
		{"Int64Storage", Int64},
		// Not in the legacy table.
		{"LongStorage", Uint8},
		{"IntStorage", Uint8},
		{"UntypedStorage", Uint8},
		{"", Uint8},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			assert.Equal(t, tt.want, DataTypeForStorage(tt.class))
		})
	}
}

func TestDataTypeSizes(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, "bfloat16", BFloat16.String())
	assert.Equal(t, "LongStorage", Int64.StorageName())
	assert.Equal(t, "ByteStorage", Uint8.StorageName())
}

func TestTypedBuffer(t *testing.T) {
	buf, err := NewTypedBuffer(make([]byte, 48), Float32, 12)
	require.NoError(t, err)
	assert.True(t, buf.Consistent())
	assert.Equal(t, int64(12), buf.NumElements())

	short, err := NewTypedBuffer(make([]byte, 10), Float32, 12)
	require.NoError(t, err)
	assert.False(t, short.Consistent())
	assert.Equal(t, int64(2), short.NumElements())

	_, err = NewTypedBuffer(nil, Float32, -1)
	assert.Error(t, err)

	_, err = NewTypedBuffer(nil, Float32, MaxCount+1)
	assert.ErrorContains(t, err, "exceeds")
}

func TestDegradedBuffer(t *testing.T) {
	buf, err := NewDegradedBuffer(Float32, 12)
	require.NoError(t, err)

	assert.True(t, buf.Degraded)
	assert.Equal(t, 12, buf.ByteLen())
	assert.Equal(t, make([]byte, 12), buf.Data)
	assert.Equal(t, Float32, buf.DType)

	_, err = NewDegradedBuffer(Float32, -3)
	assert.Error(t, err)

	_, err = NewDegradedBuffer(Float32, 1<<62)
	assert.ErrorContains(t, err, "exceeds")
}

func TestShape(t *testing.T) {
	s := Shape{2, 3, 4}

	assert.Equal(t, int64(24), s.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.ComputeStrides())
	assert.NoError(t, s.Validate())
	assert.Error(t, Shape{2, -1}.Validate())
	assert.Equal(t, int64(1), Shape{}.NumElements())
	assert.Equal(t, int64(0), Shape{3, 0, 2}.NumElements())
	assert.Equal(t, int64(math.MaxInt64), Shape{1 << 40, 1 << 40}.NumElements())
}

func TestShapeExtent(t *testing.T) {
	tests := []struct {
		name   string
		shape  Shape
		stride []int
		want   int64
	}{
		{"contiguous", Shape{2, 3, 4}, []int{12, 4, 1}, 24},
		{"scalar", Shape{}, []int{}, 1},
		{"transposed", Shape{3, 2}, []int{1, 3}, 6},
		{"strided rows", Shape{2, 2}, []int{4, 1}, 6},
		{"broadcast", Shape{5, 3}, []int{0, 1}, 3},
		{"empty", Shape{4, 0}, []int{0, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.shape.Extent(tt.stride)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShapeExtentErrors(t *testing.T) {
	_, err := Shape{2, 2}.Extent([]int{1})
	assert.ErrorContains(t, err, "stride has 1 dimensions")

	_, err = Shape{2}.Extent([]int{-1})
	assert.ErrorContains(t, err, "negative stride")

	_, err = Shape{1 << 40, 2}.Extent([]int{1 << 40, 1})
	assert.ErrorContains(t, err, "overflows")
}
