// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the element types, shapes and typed buffers of
// recovered checkpoint tensors.
//
// Example:
//
//	dt := tensor.DataTypeForStorage("HalfStorage") // tensor.Float16
//	fmt.Println(dt.Size(), dt.StorageName())     // 2 HalfStorage
package tensor

import (
	"github.com/born-ml/ckptrecover/internal/tensor"
)

// DataType represents the element type of a storage.
type DataType = tensor.DataType

// Data type constants.
const (
	Uint8    DataType = tensor.Uint8
	Int32    DataType = tensor.Int32
	Int64    DataType = tensor.Int64
	Float32  DataType = tensor.Float32
	Float64  DataType = tensor.Float64
	Bool     DataType = tensor.Bool
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
)

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// TypedBuffer is a storage blob tagged with its element type.
// Degraded buffers are zero-filled stand-ins for unreadable storages.
type TypedBuffer = tensor.TypedBuffer

// DataTypeForStorage maps a legacy storage class name to its element type.
// Names outside the legacy table map to Uint8.
func DataTypeForStorage(className string) DataType {
	return tensor.DataTypeForStorage(className)
}
