package checkpoint

import (
	"fmt"

	"github.com/pkg/errors"
)

// Conversion error categories. Match with errors.Is.
var (
	// ErrUnsupportedContainer means the input is not a zip archive.
	ErrUnsupportedContainer = errors.New("unsupported container: not a zip archive")
	// ErrMissingDescriptor means no archive entry ends in data.pkl.
	ErrMissingDescriptor = errors.New("missing graph descriptor: no entry ending in " + DescriptorSuffix)
	// ErrStorageUnresolved marks a storage blob that was replaced by a
	// zero-filled buffer. It is logged, never returned by a conversion.
	ErrStorageUnresolved = errors.New("storage unresolved")
	// ErrStructuralParse means the descriptor stream is malformed or truncated.
	ErrStructuralParse = errors.New("structural parse failure")
	// ErrEmptyExtraction means the graph parsed but held no tensors.
	ErrEmptyExtraction = errors.New("no tensors extracted")
)

// Finer-grained causes, reported wrapped in one of the categories above.
var (
	ErrNegativeCount   = errors.New("negative storage element count")
	ErrCountTooLarge   = errors.New("storage element count exceeds limit")
	ErrViewOutOfBounds = errors.New("tensor view exceeds its storage")
	ErrVerifyFailed    = errors.New("written checkpoint failed verification")
)

// ConversionError ties a failure category to the file and underlying cause.
type ConversionError struct {
	Kind error  // One of the Err* sentinels
	Path string // Container path
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the category and the cause to errors.Is and errors.As.
func (e *ConversionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newConversionError(kind error, path string, err error) error {
	return &ConversionError{Kind: kind, Path: path, Err: err}
}
