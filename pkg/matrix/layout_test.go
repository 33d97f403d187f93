package matrix

import (
	"errors"
	"testing"
)

func TestDenseLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		order  Order
		batch  int64
		wantLD int64
		wantBS int64
		extent int64
	}{
		{"row single", RowMajor, 1, 3, 0, 6},
		{"col single", ColumnMajor, 1, 2, 0, 6},
		{"row batched", RowMajor, 4, 3, 6, 24},
		{"col batched", ColumnMajor, 4, 2, 6, 24},
	}

	for _, tc := range tests {
		l := DenseLayout(F32, tc.order, tc.batch, 2, 3)
		if l.LeadingDimStride != tc.wantLD {
			t.Errorf("%s: leading dim got %d want %d", tc.name, l.LeadingDimStride, tc.wantLD)
		}
		if l.BatchStride != tc.wantBS {
			t.Errorf("%s: batch stride got %d want %d", tc.name, l.BatchStride, tc.wantBS)
		}
		if got := l.Extent(); got != tc.extent {
			t.Errorf("%s: extent got %d want %d", tc.name, got, tc.extent)
		}
		if err := l.Validate(); err != nil {
			t.Errorf("%s: unexpected validate error: %v", tc.name, err)
		}
	}
}

func TestLayoutOffset(t *testing.T) {
	t.Parallel()

	row := Layout{Order: RowMajor, NumRows: 2, NumCols: 3, BatchSize: 2, BatchStride: 8, LeadingDimStride: 4, DType: F32}
	if got := row.Offset(1, 1, 2); got != 8+4+2 {
		t.Fatalf("row-major offset got %d", got)
	}
	col := Layout{Order: ColumnMajor, NumRows: 2, NumCols: 3, BatchSize: 2, BatchStride: 9, LeadingDimStride: 3, DType: F32}
	if got := col.Offset(1, 1, 2); got != 9+6+1 {
		t.Fatalf("column-major offset got %d", got)
	}
	if got := col.Extent(); got != 9+2*3+2 {
		t.Fatalf("column-major extent got %d", got)
	}
}

func TestLayoutValidate(t *testing.T) {
	t.Parallel()

	base := DenseLayout(F16, RowMajor, 1, 4, 4)
	tests := []struct {
		name   string
		mutate func(*Layout)
	}{
		{"zero rows", func(l *Layout) { l.NumRows = 0 }},
		{"negative cols", func(l *Layout) { l.NumCols = -1 }},
		{"zero batch", func(l *Layout) { l.BatchSize = 0 }},
		{"short leading dim", func(l *Layout) { l.LeadingDimStride = 3 }},
		{"negative batch stride", func(l *Layout) { l.BatchStride = -1 }},
		{"invalid dtype", func(l *Layout) { l.DType = Invalid }},
	}

	for _, tc := range tests {
		l := base
		tc.mutate(&l)
		err := l.Validate()
		if !errors.Is(err, ErrInvalidLayout) {
			t.Errorf("%s: expected ErrInvalidLayout, got %v", tc.name, err)
		}
	}
}

func TestSingleRowIgnoresLeadingDim(t *testing.T) {
	t.Parallel()

	l := Layout{Order: RowMajor, NumRows: 1, NumCols: 8, BatchSize: 1, LeadingDimStride: 0, DType: F32}
	if err := l.Validate(); err != nil {
		t.Fatalf("single row layout should validate: %v", err)
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	for d := Pred; d <= C128; d++ {
		got, err := ParseDType(d.String())
		if err != nil {
			t.Fatalf("ParseDType(%q): %v", d.String(), err)
		}
		if got != d {
			t.Fatalf("ParseDType(%q) = %v, want %v", d.String(), got, d)
		}
	}
	if got, err := ParseDType("BFloat16"); err != nil || got != BF16 {
		t.Fatalf("ParseDType(BFloat16) = %v, %v", got, err)
	}
	if _, err := ParseDType("f8"); err == nil {
		t.Fatal("expected error for unknown dtype")
	}
}

func TestDTypeSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dtype DType
		size  int
	}{
		{F16, 2}, {BF16, 2}, {F32, 4}, {F64, 8}, {C64, 8}, {C128, 16}, {S32, 4}, {Invalid, 0},
	}
	for _, tc := range tests {
		if got := tc.dtype.Size(); got != tc.size {
			t.Errorf("%s size: got %d want %d", tc.dtype, got, tc.size)
		}
	}
}

func TestOrderText(t *testing.T) {
	t.Parallel()

	var o Order
	if err := o.UnmarshalText([]byte("col")); err != nil || o != ColumnMajor {
		t.Fatalf("UnmarshalText(col) = %v, %v", o, err)
	}
	b, _ := ColumnMajor.MarshalText()
	if string(b) != "column_major" {
		t.Fatalf("MarshalText got %q", b)
	}
	if NoTranspose.Flip() != Transposed || Transposed.Flip() != NoTranspose {
		t.Fatal("Flip should toggle orientation")
	}
}
