package tensor

import (
	"fmt"
	"math"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the number of elements of a valid shape, saturating at
// math.MaxInt64. A scalar has one element.
func (s Shape) NumElements() int64 {
	for _, dim := range s {
		if dim == 0 {
			return 0
		}
	}
	n := int64(1)
	for _, dim := range s {
		if n > math.MaxInt64/int64(dim) {
			return math.MaxInt64
		}
		n *= int64(dim)
	}
	return n
}

// Validate checks that no dimension is negative.
// Zero-sized dimensions are legal in checkpoints (empty buffers, masks).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Extent returns how many storage elements a view with this shape and stride
// spans from its first element: 1 + sum((dim-1)*stride), or 0 for an empty
// view. The shape must be valid.
func (s Shape) Extent(stride []int) (int64, error) {
	if len(stride) != len(s) {
		return 0, fmt.Errorf("stride has %d dimensions, shape has %d", len(stride), len(s))
	}
	if s.NumElements() == 0 {
		return 0, nil
	}
	extent := int64(1)
	for i, dim := range s {
		st := stride[i]
		if st < 0 {
			return 0, fmt.Errorf("negative stride at index %d: %d", i, st)
		}
		if dim == 1 || st == 0 {
			continue
		}
		span := int64(dim - 1)
		if int64(st) > (math.MaxInt64-extent)/span {
			return 0, fmt.Errorf("view extent overflows at index %d", i)
		}
		extent += span * int64(st)
	}
	return extent, nil
}
