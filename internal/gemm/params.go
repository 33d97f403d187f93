package gemm

import "github.com/samcharles93/gemmrun/pkg/matrix"

// Dims is a (batch, row, col) triple.
type Dims [3]int64

const (
	rowAxis = 1
	colAxis = 2
)

// MatMulParams holds the batched dims and element strides of the three
// operands as the primitive sees them.
type MatMulParams struct {
	ADims    Dims `json:"a_dims"`
	BDims    Dims `json:"b_dims"`
	CDims    Dims `json:"c_dims"`
	AStrides Dims `json:"a_strides"`
	BStrides Dims `json:"b_strides"`
	CStrides Dims `json:"c_strides"`
}

// CreateMatMulParams describes each operand as {batch, rows, cols} with
// strides {batch_stride, leading_dim_stride, 1}. For a transposed operand
// the row and column axes are swapped in both, so the primitive reads the
// transpose in place.
func CreateMatMulParams(batchSize int64, lhs, rhs, out MatrixDescriptor) MatMulParams {
	var p MatMulParams
	p.ADims, p.AStrides = operandDims(batchSize, lhs)
	p.BDims, p.BStrides = operandDims(batchSize, rhs)
	p.CDims, p.CStrides = operandDims(batchSize, out)
	return p
}

func operandDims(batchSize int64, d MatrixDescriptor) (Dims, Dims) {
	dims := Dims{batchSize, d.NumRows, d.NumCols}
	strides := Dims{d.BatchStride, d.LeadingDimStride, 1}
	if d.Transpose == matrix.Transposed {
		dims[rowAxis], dims[colAxis] = dims[colAxis], dims[rowAxis]
		strides[rowAxis], strides[colAxis] = strides[colAxis], strides[rowAxis]
	}
	return dims, strides
}
