// Package matrix describes GEMM operands as they are handed to the
// executor: element types, memory order and batched strides.
//
// A Layout says how a logical rows x cols matrix (per batch slice) sits in
// a flat buffer. It carries no data and never owns memory.
package matrix

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidLayout = errors.New("invalid matrix layout")

// Order is the memory order of a matrix.
type Order uint8

const (
	RowMajor Order = iota
	ColumnMajor
)

func (o Order) String() string {
	switch o {
	case RowMajor:
		return "row_major"
	case ColumnMajor:
		return "column_major"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "row_major", "row-major", "row":
		return RowMajor, nil
	case "column_major", "column-major", "col_major", "col":
		return ColumnMajor, nil
	default:
		return RowMajor, fmt.Errorf("unknown matrix order %q", s)
	}
}

func (o Order) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Order) UnmarshalText(text []byte) error {
	v, err := ParseOrder(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Transpose is the orientation a descriptor applies to its stored matrix.
type Transpose uint8

const (
	NoTranspose Transpose = iota
	Transposed
)

func (t Transpose) Flip() Transpose {
	if t == NoTranspose {
		return Transposed
	}
	return NoTranspose
}

func (t Transpose) String() string {
	if t == Transposed {
		return "T"
	}
	return "N"
}

// Precision is the compute precision hint attached to a GEMM.
type Precision int64

const (
	PrecisionDefault Precision = iota
	PrecisionHigh
	PrecisionHighest
)

func (p Precision) String() string {
	switch p {
	case PrecisionDefault:
		return "default"
	case PrecisionHigh:
		return "high"
	case PrecisionHighest:
		return "highest"
	default:
		return fmt.Sprintf("precision(%d)", int64(p))
	}
}

func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PrecisionDefault, nil
	case "high":
		return PrecisionHigh, nil
	case "highest":
		return PrecisionHighest, nil
	default:
		return PrecisionDefault, fmt.Errorf("unknown precision %q", s)
	}
}

func (p Precision) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Precision) UnmarshalText(text []byte) error {
	v, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Layout is the caller-facing description of one GEMM operand.
//
// NumRows and NumCols are the logical extents of one batch slice.
// LeadingDimStride is the element distance between consecutive rows
// (RowMajor) or columns (ColumnMajor). BatchStride is the element distance
// between batch slices; zero broadcasts a single slice.
type Layout struct {
	Order            Order
	NumRows          int64
	NumCols          int64
	BatchSize        int64
	BatchStride      int64
	LeadingDimStride int64
	DType            DType
}

// DenseLayout returns a packed layout with no padding between rows or
// batch slices.
func DenseLayout(dtype DType, order Order, batch, rows, cols int64) Layout {
	ld := cols
	if order == ColumnMajor {
		ld = rows
	}
	var batchStride int64
	if batch > 1 {
		batchStride = rows * cols
	}
	return Layout{
		Order:            order,
		NumRows:          rows,
		NumCols:          cols,
		BatchSize:        batch,
		BatchStride:      batchStride,
		LeadingDimStride: ld,
		DType:            dtype,
	}
}

// inner and outer are the contiguous and strided extents of one slice.
func (l Layout) inner() int64 {
	if l.Order == ColumnMajor {
		return l.NumRows
	}
	return l.NumCols
}

func (l Layout) outer() int64 {
	if l.Order == ColumnMajor {
		return l.NumCols
	}
	return l.NumRows
}

func (l Layout) Validate() error {
	if l.NumRows <= 0 || l.NumCols <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be positive", ErrInvalidLayout, l.NumRows, l.NumCols)
	}
	if l.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d must be positive", ErrInvalidLayout, l.BatchSize)
	}
	if l.Order != RowMajor && l.Order != ColumnMajor {
		return fmt.Errorf("%w: %s", ErrInvalidLayout, l.Order)
	}
	if l.outer() > 1 && l.LeadingDimStride < l.inner() {
		return fmt.Errorf("%w: leading dimension stride %d is smaller than %d", ErrInvalidLayout, l.LeadingDimStride, l.inner())
	}
	if l.BatchStride < 0 {
		return fmt.Errorf("%w: negative batch stride %d", ErrInvalidLayout, l.BatchStride)
	}
	if l.DType == Invalid || l.DType.Size() == 0 {
		return fmt.Errorf("%w: dtype %s", ErrInvalidLayout, l.DType)
	}
	return nil
}

// Offset returns the element offset of logical element (i, j) in batch b.
func (l Layout) Offset(b, i, j int64) int64 {
	if l.Order == ColumnMajor {
		return b*l.BatchStride + j*l.LeadingDimStride + i
	}
	return b*l.BatchStride + i*l.LeadingDimStride + j
}

// Extent is the number of elements a buffer must hold for this layout.
func (l Layout) Extent() int64 {
	if l.NumRows <= 0 || l.NumCols <= 0 || l.BatchSize <= 0 {
		return 0
	}
	return (l.BatchSize-1)*l.BatchStride + (l.outer()-1)*l.LeadingDimStride + l.inner()
}

// Bytes is Extent scaled by the element size.
func (l Layout) Bytes() int64 {
	return l.Extent() * int64(l.DType.Size())
}
