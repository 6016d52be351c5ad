// Package tensor provides the element types, shapes and typed byte buffers
// recovered from legacy checkpoints.
package tensor

import "strings"

// DataType represents runtime type information for tensor elements.
type DataType int

// Supported data types for tensors.
const (
	Uint8 DataType = iota
	Int32
	Int64
	Float32
	Float64
	Bool
	Float16
	BFloat16
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16, BFloat16:
		return 2
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// StorageName returns the torch storage class that carries elements of this
// type in a standard checkpoint, e.g. "FloatStorage".
func (dt DataType) StorageName() string {
	switch dt {
	case Float32:
		return "FloatStorage"
	case Float64:
		return "DoubleStorage"
	case Int32:
		return "IntStorage"
	case Int64:
		return "LongStorage"
	case Bool:
		return "BoolStorage"
	case Float16:
		return "HalfStorage"
	case BFloat16:
		return "BFloat16Storage"
	default:
		return "ByteStorage"
	}
}

// storageKinds is the legacy storage-class table. Order matters: the first
// matching entry wins. UInt32 maps to the signed Int32 on purpose; existing
// converted checkpoints were produced with this table.
var storageKinds = []struct {
	prefix string
	dtype  DataType
}{
	{"UInt32", Int32},
	{"Int64", Int64},
	{"Float", Float32},
	{"Double", Float64},
	{"Byte", Uint8},
	{"Bool", Bool},
	{"Half", Float16},
	{"BFloat16", BFloat16},
}

// DataTypeForStorage maps a storage class name such as "FloatStorage" or
// "torch.HalfStorage" to its element type. Unknown names map to Uint8.
func DataTypeForStorage(className string) DataType {
	name := className
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	for _, k := range storageKinds {
		if name == k.prefix+"Storage" {
			return k.dtype
		}
	}
	return Uint8
}
