// Package gemm runs batched GEMMs, out = alpha*op(lhs)*op(rhs) + beta*out,
// on the dnn matmul primitive.
//
// Caller layouts are first turned into MatrixDescriptors, which always
// read a matrix as row-major and record column-major storage as a
// transpose. A transposed output is then removed with Cᵗ = Bᵗ·Aᵗ, the
// descriptors are expanded into batched dims and strides, and the
// primitive for the output element type is built and enqueued.
package gemm

import (
	"fmt"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

// MatrixDescriptor is the metadata of one operand: its memory, orientation
// and extents. It borrows Data and never frees it.
type MatrixDescriptor struct {
	Data             device.Memory
	Transpose        matrix.Transpose
	NumRows          int64
	NumCols          int64
	BatchStride      int64
	LeadingDimStride int64
}

// ReducedDim is the contraction extent when the descriptor is the lhs.
func (d MatrixDescriptor) ReducedDim() int64 {
	if d.Transpose == matrix.Transposed {
		return d.NumRows
	}
	return d.NumCols
}

// Orientation maps the descriptor back to the layout form it came from.
func (d MatrixDescriptor) Orientation() (order matrix.Order, rows, cols int64) {
	if d.Transpose == matrix.Transposed {
		return matrix.ColumnMajor, d.NumCols, d.NumRows
	}
	return matrix.RowMajor, d.NumRows, d.NumCols
}

func (d MatrixDescriptor) String() string {
	return fmt.Sprintf("%s[%dx%d ld=%d bs=%d]", d.Transpose, d.NumRows, d.NumCols, d.LeadingDimStride, d.BatchStride)
}

// GetMatrixDesc describes a layout's storage as a row-major matrix. A
// column-major layout becomes a transposed descriptor with rows and cols
// swapped.
func GetMatrixDesc(layout matrix.Layout, data device.Memory) MatrixDescriptor {
	transpose := layout.Order == matrix.ColumnMajor
	d := MatrixDescriptor{
		Data:             data,
		Transpose:        matrix.NoTranspose,
		NumRows:          layout.NumRows,
		NumCols:          layout.NumCols,
		BatchStride:      layout.BatchStride,
		LeadingDimStride: layout.LeadingDimStride,
	}
	if transpose {
		d.Transpose = matrix.Transposed
		d.NumRows, d.NumCols = layout.NumCols, layout.NumRows
	}
	return d
}

func TransposeMatrixDesc(d MatrixDescriptor) MatrixDescriptor {
	d.Transpose = d.Transpose.Flip()
	return d
}

// MakeBlasGemmCompatible returns an equivalent triple whose output is not
// transposed. BLAS-style primitives reject transposed destinations, so a
// transposed output is rewritten with Cᵗ = (A·B)ᵗ = Bᵗ·Aᵗ.
func MakeBlasGemmCompatible(lhs, rhs, out MatrixDescriptor) (MatrixDescriptor, MatrixDescriptor, MatrixDescriptor) {
	if out.Transpose != matrix.Transposed {
		return lhs, rhs, out
	}
	return TransposeMatrixDesc(rhs), TransposeMatrixDesc(lhs), TransposeMatrixDesc(out)
}
