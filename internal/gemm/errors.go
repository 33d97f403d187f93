package gemm

import (
	"errors"
	"fmt"

	"github.com/samcharles93/gemmrun/pkg/matrix"
)

var (
	ErrTypeMismatch     = errors.New("gemm: operand type mismatch")
	ErrUnsupportedDType = errors.New("gemm: unsupported dtype")
	ErrAllocation       = errors.New("gemm: scratch allocation failed")
	ErrBackend          = errors.New("gemm: backend failure")
)

// TypeMismatchError reports inputs whose dtype differs from a floating or
// complex output.
type TypeMismatchError struct {
	Lhs, Rhs, Output matrix.DType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("GEMM lhs type(%s) and rhs type(%s) must match output type(%s)", e.Lhs, e.Rhs, e.Output)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

type UnsupportedDTypeError struct {
	DType matrix.DType
}

func (e *UnsupportedDTypeError) Error() string {
	return fmt.Sprintf("Unexpected GEMM dtype: %s", e.DType)
}

func (e *UnsupportedDTypeError) Unwrap() error { return ErrUnsupportedDType }

func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
