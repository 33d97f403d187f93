package gemm

import (
	"fmt"

	"github.com/samcharles93/gemmrun/pkg/matrix"
)

// Config is one GEMM invocation: out = alpha*op(lhs)*op(rhs) + beta*out.
// Only the real part of Alpha is applied.
type Config struct {
	LhsLayout        matrix.Layout
	RhsLayout        matrix.Layout
	OutputLayout     matrix.Layout
	Alpha            complex128
	Beta             float64
	ComputePrecision matrix.Precision
}

// Shape returns m, n and k: out is m x n and lhs is m x k.
func (c Config) Shape() (m, n, k int64) {
	return c.OutputLayout.NumRows, c.OutputLayout.NumCols, c.LhsLayout.NumCols
}

func (c Config) Validate() error {
	for _, op := range []struct {
		name   string
		layout matrix.Layout
	}{{"lhs", c.LhsLayout}, {"rhs", c.RhsLayout}, {"output", c.OutputLayout}} {
		if err := op.layout.Validate(); err != nil {
			return fmt.Errorf("%s: %w", op.name, err)
		}
	}

	m, n, k := c.Shape()
	if c.LhsLayout.NumRows != m {
		return fmt.Errorf("%w: lhs has %d rows, output has %d", matrix.ErrInvalidLayout, c.LhsLayout.NumRows, m)
	}
	if c.RhsLayout.NumRows != k || c.RhsLayout.NumCols != n {
		return fmt.Errorf("%w: rhs is %dx%d, want %dx%d", matrix.ErrInvalidLayout, c.RhsLayout.NumRows, c.RhsLayout.NumCols, k, n)
	}

	batch := c.OutputLayout.BatchSize
	for _, op := range []struct {
		name   string
		layout matrix.Layout
	}{{"lhs", c.LhsLayout}, {"rhs", c.RhsLayout}} {
		switch {
		case op.layout.BatchSize == batch:
		case op.layout.BatchSize == 1 && op.layout.BatchStride == 0:
			// broadcast across the output batch
		default:
			return fmt.Errorf("%w: %s batch %d (stride %d) does not match output batch %d",
				matrix.ErrInvalidLayout, op.name, op.layout.BatchSize, op.layout.BatchStride, batch)
		}
	}
	return nil
}
