// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint recovers the tensors of legacy zip checkpoints whose
// graph stream references classes that are no longer importable, and
// rewrites them as standard checkpoints holding only the state dict.
//
// Example:
//
//	conv := checkpoint.NewConverter(osfs.New("/models"))
//	res, err := conv.Convert("model.pt")
//	switch {
//	case errors.Is(err, checkpoint.ErrEmptyExtraction):
//	    fmt.Println("nothing to recover")
//	case err != nil:
//	    log.Fatal(err)
//	default:
//	    fmt.Printf("extracted %d tensors (%d degraded storages)\n", res.Tensors(), res.Degraded)
//	}
package checkpoint

import (
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/born-ml/ckptrecover/internal/checkpoint"
)

// Error categories. Match with errors.Is.
var (
	ErrUnsupportedContainer = checkpoint.ErrUnsupportedContainer
	ErrMissingDescriptor    = checkpoint.ErrMissingDescriptor
	ErrStorageUnresolved    = checkpoint.ErrStorageUnresolved
	ErrStructuralParse      = checkpoint.ErrStructuralParse
	ErrEmptyExtraction      = checkpoint.ErrEmptyExtraction
	ErrNegativeCount        = checkpoint.ErrNegativeCount
	ErrVerifyFailed         = checkpoint.ErrVerifyFailed
)

// DescriptorSuffix identifies the graph descriptor entry of a container.
const DescriptorSuffix = checkpoint.DescriptorSuffix

// ConversionError ties a failure category to the container path.
type ConversionError = checkpoint.ConversionError

// Converter rewrites checkpoints on a billy filesystem.
type Converter = checkpoint.Converter

// Option configures a Converter.
type Option = checkpoint.Option

// Result summarizes one extraction or conversion.
type Result = checkpoint.Result

// TensorMap is the ordered set of recovered tensors.
type TensorMap = checkpoint.TensorMap

// Tensor is one recovered tensor.
type Tensor = checkpoint.TensorLeaf

// NewConverter returns a converter operating on fs.
var NewConverter = checkpoint.NewConverter

// WithLogger sets the converter's logger.
var WithLogger = checkpoint.WithLogger

// Convert rewrites the checkpoint at path on the host filesystem.
func Convert(path string, opts ...Option) (*Result, error) {
	conv, name, err := hostConverter(path, opts)
	if err != nil {
		return nil, err
	}
	return conv.Convert(name)
}

// Inspect extracts the tensors of the checkpoint at path without writing.
func Inspect(path string, opts ...Option) (*Result, *TensorMap, error) {
	conv, name, err := hostConverter(path, opts)
	if err != nil {
		return nil, nil, err
	}
	return conv.Inspect(name)
}

// WriteCheckpoint writes tensors as a standard checkpoint to w.
func WriteCheckpoint(w io.Writer, tensors *TensorMap) error {
	return checkpoint.WriteCheckpoint(w, tensors)
}

// hostConverter roots a converter at the directory holding path, so the temp
// file lands beside the source.
func hostConverter(path string, opts []Option) (*Converter, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "resolving %s", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, "", errors.Wrapf(err, "stat %s", path)
	}
	fs := osfs.New(filepath.Dir(abs))
	return checkpoint.NewConverter(fs, opts...), filepath.Base(abs), nil
}
