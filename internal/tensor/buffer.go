package tensor

import (
	"fmt"
	"math"
)

// MaxCount bounds the declared element count of a buffer. Degraded buffers
// allocate Count bytes up front, so counts read from a stream must be capped.
const MaxCount = math.MaxInt32

// TypedBuffer is a raw storage blob tagged with its element type.
//
// For buffers read from an archive, len(Data) == Count*DType.Size() unless the
// blob itself is short or long. Degraded buffers are zero-filled stand-ins for
// storages that could not be read; they hold Count bytes regardless of DType.
type TypedBuffer struct {
	Data     []byte
	DType    DataType
	Count    int64 // Declared element count
	Degraded bool
}

// NewTypedBuffer wraps data read from an archive.
func NewTypedBuffer(data []byte, dtype DataType, count int64) (*TypedBuffer, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}
	return &TypedBuffer{Data: data, DType: dtype, Count: count}, nil
}

// NewDegradedBuffer returns a zero-filled buffer of count bytes.
func NewDegradedBuffer(dtype DataType, count int64) (*TypedBuffer, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}
	return &TypedBuffer{
		Data:     make([]byte, count),
		DType:    dtype,
		Count:    count,
		Degraded: true,
	}, nil
}

// ByteLen returns the number of bytes held.
func (b *TypedBuffer) ByteLen() int {
	return len(b.Data)
}

// NumElements returns how many whole elements of DType fit in the buffer.
// For consistent buffers this equals Count.
func (b *TypedBuffer) NumElements() int64 {
	return int64(len(b.Data) / b.DType.Size())
}

// Consistent reports whether the byte length matches the declared count.
func (b *TypedBuffer) Consistent() bool {
	return int64(len(b.Data)) == b.Count*int64(b.DType.Size())
}

func checkCount(count int64) error {
	switch {
	case count < 0:
		return fmt.Errorf("negative element count: %d", count)
	case count > MaxCount:
		return fmt.Errorf("element count %d exceeds %d", count, MaxCount)
	}
	return nil
}
