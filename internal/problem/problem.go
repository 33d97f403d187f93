// Package problem loads GEMM problems from YAML or JSON files and turns
// them into executor inputs.
//
// A problem names three operands with their layouts and, optionally, their
// values:
//
//	batch: 2
//	alpha: 1.5
//	beta: 0.5
//	lhs: {order: row_major, rows: 2, cols: 3, dtype: f32, values: [...]}
//	rhs: {order: column_major, rows: 3, cols: 2, dtype: f32}
//	out: {rows: 2, cols: 2, dtype: f32}
//
// Operands without values are filled with reproducible random numbers
// (inputs) or zeros (output).
package problem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/tensor"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

var ErrInvalidProblem = errors.New("invalid problem")

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the decoder by file extension. Anything that is not
// .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Operand is one matrix of a problem file. Zero strides mean dense.
type Operand struct {
	Order            string    `yaml:"order" json:"order"`
	Rows             int64     `yaml:"rows" json:"rows"`
	Cols             int64     `yaml:"cols" json:"cols"`
	DType            string    `yaml:"dtype" json:"dtype"`
	Batch            int64     `yaml:"batch,omitempty" json:"batch,omitempty"`
	BatchStride      int64     `yaml:"batch_stride,omitempty" json:"batch_stride,omitempty"`
	LeadingDimStride int64     `yaml:"leading_dim_stride,omitempty" json:"leading_dim_stride,omitempty"`
	Values           []float64 `yaml:"values,omitempty" json:"values,omitempty"`
}

type Problem struct {
	Batch     int64   `yaml:"batch" json:"batch"`
	Alpha     float64 `yaml:"alpha" json:"alpha"`
	AlphaImag float64 `yaml:"alpha_imag,omitempty" json:"alpha_imag,omitempty"`
	Beta      float64 `yaml:"beta" json:"beta"`
	Precision string  `yaml:"precision,omitempty" json:"precision,omitempty"`
	Seed      int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Lhs       Operand `yaml:"lhs" json:"lhs"`
	Rhs       Operand `yaml:"rhs" json:"rhs"`
	Out       Operand `yaml:"out" json:"out"`
}

// Load reads and decodes a problem file.
func Load(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem: %w", err)
	}
	p, err := Decode(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses a problem. Alpha defaults to 1 when the document omits it.
func Decode(data []byte, format Format) (*Problem, error) {
	var raw map[string]any
	p := &Problem{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
		}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
		}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidProblem, format)
	}
	if _, ok := raw["alpha"]; !ok {
		p.Alpha = 1
	}
	if p.Batch == 0 {
		p.Batch = 1
	}
	return p, nil
}

// Instance is a built problem: the executor config and its host operands.
type Instance struct {
	Config gemm.Config
	Lhs    *tensor.Mat
	Rhs    *tensor.Mat
	Out    *tensor.Mat

	// initial holds the output values before the GEMM, for Reference.
	initial []float64
}

func (o Operand) layout(name string, batch int64) (matrix.Layout, error) {
	order, err := matrix.ParseOrder(o.Order)
	if err != nil {
		return matrix.Layout{}, fmt.Errorf("%w: %s: %w", ErrInvalidProblem, name, err)
	}
	dtype, err := matrix.ParseDType(o.DType)
	if err != nil {
		return matrix.Layout{}, fmt.Errorf("%w: %s: %w", ErrInvalidProblem, name, err)
	}
	if o.Batch != 0 {
		batch = o.Batch
	}
	l := matrix.DenseLayout(dtype, order, batch, o.Rows, o.Cols)
	if o.LeadingDimStride != 0 {
		l.LeadingDimStride = o.LeadingDimStride
	}
	if o.BatchStride != 0 {
		l.BatchStride = o.BatchStride
	} else if batch > 1 && o.LeadingDimStride != 0 {
		l.BatchStride = denseBatchStride(l)
	}
	if err := l.Validate(); err != nil {
		return matrix.Layout{}, fmt.Errorf("%s: %w", name, err)
	}
	return l, nil
}

// denseBatchStride packs batch slices back to back for a padded leading
// dimension.
func denseBatchStride(l matrix.Layout) int64 {
	outer := l.NumRows
	if l.Order == matrix.ColumnMajor {
		outer = l.NumCols
	}
	return outer * l.LeadingDimStride
}

func (o Operand) build(name string, layout matrix.Layout, seed int64, zero bool) (*tensor.Mat, error) {
	m, err := tensor.New(layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch {
	case len(o.Values) > 0:
		err = m.SetValues(o.Values)
	case !zero:
		err = tensor.FillRand(m, seed)
	}
	if err != nil {
		_ = m.Free()
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProblem, name, err)
	}
	return m, nil
}

// Config returns the validated executor config without allocating.
func (p *Problem) Config() (gemm.Config, error) {
	precision, err := matrix.ParsePrecision(p.Precision)
	if err != nil {
		return gemm.Config{}, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	lhsL, err := p.Lhs.layout("lhs", p.Batch)
	if err != nil {
		return gemm.Config{}, err
	}
	rhsL, err := p.Rhs.layout("rhs", p.Batch)
	if err != nil {
		return gemm.Config{}, err
	}
	outL, err := p.Out.layout("out", p.Batch)
	if err != nil {
		return gemm.Config{}, err
	}
	cfg := gemm.Config{
		LhsLayout:        lhsL,
		RhsLayout:        rhsL,
		OutputLayout:     outL,
		Alpha:            complex(p.Alpha, p.AlphaImag),
		Beta:             p.Beta,
		ComputePrecision: precision,
	}
	if err := cfg.Validate(); err != nil {
		return gemm.Config{}, err
	}
	return cfg, nil
}

// Build validates the problem and allocates its operands. The caller owns
// the instance and must Free it.
func (p *Problem) Build() (*Instance, error) {
	cfg, err := p.Config()
	if err != nil {
		return nil, err
	}

	inst := &Instance{Config: cfg}
	if inst.Lhs, err = p.Lhs.build("lhs", cfg.LhsLayout, p.Seed, false); err != nil {
		return nil, err
	}
	if inst.Rhs, err = p.Rhs.build("rhs", cfg.RhsLayout, p.Seed+1, false); err != nil {
		inst.Free()
		return nil, err
	}
	if inst.Out, err = p.Out.build("out", cfg.OutputLayout, p.Seed+2, true); err != nil {
		inst.Free()
		return nil, err
	}
	if inst.initial, err = inst.Out.Values(); err != nil {
		inst.Free()
		return nil, err
	}
	return inst, nil
}

func (in *Instance) Free() {
	for _, m := range []*tensor.Mat{in.Lhs, in.Rhs, in.Out} {
		if m != nil {
			_ = m.Free()
		}
	}
}

// Solve runs the GEMM on stream and waits for it.
func (in *Instance) Solve(ctx context.Context, exec *gemm.Executor, stream device.Stream, scratch device.ScratchAllocator) error {
	if err := exec.RunGemm(ctx, in.Config, in.Lhs.Mem, in.Rhs.Mem, in.Out.Mem, stream, scratch); err != nil {
		return err
	}
	return stream.Synchronize(ctx)
}

// Reference computes alpha*lhs*rhs + beta*out0 in float64 from the operand
// values as stored, so input rounding to the element type is included.
func (in *Instance) Reference() ([]float64, error) {
	cfg := in.Config
	m, n, _ := cfg.Shape()
	batch := cfg.OutputLayout.BatchSize
	alpha := real(cfg.Alpha)

	want := make([]float64, 0, batch*m*n)
	for b := range batch {
		a, err := in.Lhs.Dense(broadcastIndex(cfg.LhsLayout, b))
		if err != nil {
			return nil, err
		}
		w, err := in.Rhs.Dense(broadcastIndex(cfg.RhsLayout, b))
		if err != nil {
			return nil, err
		}
		var prod mat.Dense
		prod.Mul(a, w)
		prod.Scale(alpha, &prod)
		prev := in.initial[b*m*n : (b+1)*m*n]
		for i := range m {
			for j := range n {
				want = append(want, prod.At(int(i), int(j))+cfg.Beta*prev[i*n+j])
			}
		}
	}
	return want, nil
}

func broadcastIndex(l matrix.Layout, b int64) int64 {
	if l.BatchSize == 1 {
		return 0
	}
	return b
}

// Result reads the output values.
func (in *Instance) Result() ([]float64, error) {
	return in.Out.Values()
}

// MaxAbsDiff returns the largest elementwise distance between a and b, or
// +Inf when their lengths differ.
func MaxAbsDiff(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}

// Tolerance is the default verification bound for an output dtype,
// relative to max(1, |want|).
func Tolerance(dtype matrix.DType) float64 {
	switch dtype {
	case matrix.F16:
		return 1e-2
	case matrix.BF16:
		return 2e-2
	default:
		return 1e-4
	}
}

// Verification is the outcome of comparing a result with its reference.
type Verification struct {
	MaxAbsDiff float64 `json:"max_abs_diff"`
	Tolerance  float64 `json:"tolerance"`
	Passed     bool    `json:"passed"`
}

// Verify compares got with want elementwise using a bound relative to
// the magnitude of each expected value.
func Verify(got, want []float64, dtype matrix.DType) Verification {
	v := Verification{MaxAbsDiff: MaxAbsDiff(got, want), Tolerance: Tolerance(dtype), Passed: len(got) == len(want)}
	for i := 0; v.Passed && i < len(want); i++ {
		bound := v.Tolerance * math.Max(1, math.Abs(want[i]))
		if !(math.Abs(got[i]-want[i]) <= bound) {
			v.Passed = false
		}
	}
	return v
}

// Check computes the reference for a solved instance and verifies it.
func (in *Instance) Check() (Verification, error) {
	want, err := in.Reference()
	if err != nil {
		return Verification{}, err
	}
	got, err := in.Result()
	if err != nil {
		return Verification{}, err
	}
	return Verify(got, want, in.Config.OutputLayout.DType), nil
}
