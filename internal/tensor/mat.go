// Package tensor holds host matrices stored exactly as a matrix.Layout
// describes, so they can be handed to the GEMM executor as device memory.
package tensor

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

var (
	errUnsupportedDType = fmtError("unsupported dtype for host matrix")
	errValueCount       = fmtError("value count does not match matrix shape")
	errIndexRange       = fmtError("matrix index out of range")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

// Mat is a batched matrix in its layout's storage.
//
// Values are addressed logically as (batch, row, col) regardless of the
// layout's order; padding between rows or batches is left untouched.
type Mat struct {
	Layout matrix.Layout
	Mem    device.Memory
}

// encodable reports whether values of dtype can be read and written.
func encodable(dtype matrix.DType) bool {
	switch dtype {
	case matrix.F16, matrix.BF16, matrix.F32, matrix.F64, matrix.S32:
		return true
	default:
		return false
	}
}

// New allocates a zeroed matrix for layout.
func New(layout matrix.Layout) (*Mat, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if !encodable(layout.DType) {
		return nil, fmt.Errorf("%w: %s", errUnsupportedDType, layout.DType)
	}
	mem, err := device.AllocHost(layout.Bytes())
	if err != nil {
		return nil, err
	}
	return &Mat{Layout: layout, Mem: mem}, nil
}

// FromValues allocates a matrix and stores values, given batch by batch in
// row-major order.
func FromValues(layout matrix.Layout, values []float64) (*Mat, error) {
	m, err := New(layout)
	if err != nil {
		return nil, err
	}
	if err := m.SetValues(values); err != nil {
		m.Free()
		return nil, err
	}
	return m, nil
}

func (m *Mat) Free() error { return m.Mem.Free() }

// Len is the number of logical elements.
func (m *Mat) Len() int {
	l := m.Layout
	return int(l.BatchSize * l.NumRows * l.NumCols)
}

func (m *Mat) SetValues(values []float64) error {
	if len(values) != m.Len() {
		return fmt.Errorf("%w: got %d, want %d", errValueCount, len(values), m.Len())
	}
	l := m.Layout
	idx := 0
	for b := range l.BatchSize {
		for i := range l.NumRows {
			for j := range l.NumCols {
				if err := m.Set(b, i, j, values[idx]); err != nil {
					return err
				}
				idx++
			}
		}
	}
	return nil
}

// Values decodes every logical element, batch by batch in row-major order.
func (m *Mat) Values() ([]float64, error) {
	l := m.Layout
	out := make([]float64, 0, m.Len())
	for b := range l.BatchSize {
		for i := range l.NumRows {
			for j := range l.NumCols {
				v, err := m.At(b, i, j)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (m *Mat) offset(b, i, j int64) (int64, error) {
	l := m.Layout
	if b < 0 || b >= l.BatchSize || i < 0 || i >= l.NumRows || j < 0 || j >= l.NumCols {
		return 0, fmt.Errorf("%w: (%d, %d, %d)", errIndexRange, b, i, j)
	}
	return l.Offset(b, i, j), nil
}

func (m *Mat) At(b, i, j int64) (float64, error) {
	off, err := m.offset(b, i, j)
	if err != nil {
		return 0, err
	}
	switch m.Layout.DType {
	case matrix.F16:
		s, err := device.Elements[float16.Float16](m.Mem)
		if err != nil {
			return 0, err
		}
		return float64(s[off].Float32()), nil
	case matrix.BF16:
		s, err := device.Elements[bfloat16.BFloat16](m.Mem)
		if err != nil {
			return 0, err
		}
		return float64(s[off].Float32()), nil
	case matrix.F32:
		s, err := device.Elements[float32](m.Mem)
		if err != nil {
			return 0, err
		}
		return float64(s[off]), nil
	case matrix.F64:
		s, err := device.Elements[float64](m.Mem)
		if err != nil {
			return 0, err
		}
		return s[off], nil
	case matrix.S32:
		s, err := device.Elements[int32](m.Mem)
		if err != nil {
			return 0, err
		}
		return float64(s[off]), nil
	default:
		return 0, fmt.Errorf("%w: %s", errUnsupportedDType, m.Layout.DType)
	}
}

func (m *Mat) Set(b, i, j int64, v float64) error {
	off, err := m.offset(b, i, j)
	if err != nil {
		return err
	}
	switch m.Layout.DType {
	case matrix.F16:
		s, err := device.Elements[float16.Float16](m.Mem)
		if err != nil {
			return err
		}
		s[off] = float16.Fromfloat32(float32(v))
	case matrix.BF16:
		s, err := device.Elements[bfloat16.BFloat16](m.Mem)
		if err != nil {
			return err
		}
		s[off] = bfloat16.FromFloat32(float32(v))
	case matrix.F32:
		s, err := device.Elements[float32](m.Mem)
		if err != nil {
			return err
		}
		s[off] = float32(v)
	case matrix.F64:
		s, err := device.Elements[float64](m.Mem)
		if err != nil {
			return err
		}
		s[off] = v
	case matrix.S32:
		s, err := device.Elements[int32](m.Mem)
		if err != nil {
			return err
		}
		s[off] = int32(v)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedDType, m.Layout.DType)
	}
	return nil
}

// Dense copies batch b into a gonum matrix.
func (m *Mat) Dense(b int64) (*mat.Dense, error) {
	l := m.Layout
	d := mat.NewDense(int(l.NumRows), int(l.NumCols), nil)
	for i := range l.NumRows {
		for j := range l.NumCols {
			v, err := m.At(b, i, j)
			if err != nil {
				return nil, err
			}
			d.Set(int(i), int(j), v)
		}
	}
	return d, nil
}

// FillRand fills the matrix with reproducible values in [-1, 1). Values are
// rounded through the element type so reference checks see what the
// kernel sees.
func FillRand(m *Mat, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	values := make([]float64, m.Len())
	for i := range values {
		values[i] = rng.Float64()*2 - 1
	}
	return m.SetValues(values)
}
