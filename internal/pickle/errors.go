package pickle

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrStackUnderflow   = errors.New("stack underflow")
	ErrNoMark           = errors.New("no MARK on the stack")
	ErrMemoMiss         = errors.New("memo key not found")
	ErrUnsupportedOp    = errors.New("unsupported opcode")
	ErrUnsupportedProto = errors.New("unsupported protocol")
	ErrNotCallable      = errors.New("object is not callable")
	ErrNoClassResolver  = errors.New("no class resolver configured")
	ErrNoPersistentLoad = errors.New("no persistent_load configured")
	ErrTooLarge         = errors.New("length exceeds limit")
)

// ParseError reports where in the stream decoding failed.
type ParseError struct {
	Offset int64  // Byte offset of the failing opcode
	Op     Opcode // Failing opcode
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("pickle: offset %d opcode %s: %v", e.Offset, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
