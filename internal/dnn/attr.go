package dnn

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDuplicateSum = errors.New("dnn: post-op chain may contain at most one sum")

type Algorithm uint8

const (
	// EltwiseLinear computes alpha*x + beta.
	EltwiseLinear Algorithm = iota + 1
)

func (a Algorithm) String() string {
	if a == EltwiseLinear {
		return "eltwise_linear"
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

type PostOpKind uint8

const (
	PostOpEltwise PostOpKind = iota + 1
	PostOpSum
)

func (k PostOpKind) String() string {
	switch k {
	case PostOpEltwise:
		return "eltwise"
	case PostOpSum:
		return "sum"
	default:
		return fmt.Sprintf("post_op(%d)", uint8(k))
	}
}

// PostOp is one entry of a post-op chain. Sum uses Scale; eltwise uses
// Alg, Alpha and Beta.
type PostOp struct {
	Kind  PostOpKind
	Alg   Algorithm
	Alpha float32
	Beta  float32
	Scale float32
}

func (p PostOp) String() string {
	if p.Kind == PostOpSum {
		return fmt.Sprintf("sum(scale=%g)", p.Scale)
	}
	return fmt.Sprintf("%s(alpha=%g, beta=%g)", p.Alg, p.Alpha, p.Beta)
}

// PostOps is an ordered chain of elementwise transforms applied to the
// matmul result before it is stored.
type PostOps struct {
	ops []PostOp
}

func (p *PostOps) AppendEltwise(alg Algorithm, alpha, beta float32) {
	p.ops = append(p.ops, PostOp{Kind: PostOpEltwise, Alg: alg, Alpha: alpha, Beta: beta})
}

// AppendSum accumulates scale times the previous destination contents.
func (p *PostOps) AppendSum(scale float32) {
	p.ops = append(p.ops, PostOp{Kind: PostOpSum, Scale: scale})
}

func (p PostOps) Len() int { return len(p.ops) }

func (p PostOps) Ops() []PostOp { return append([]PostOp(nil), p.ops...) }

func (p PostOps) String() string {
	if len(p.ops) == 0 {
		return "none"
	}
	parts := make([]string, len(p.ops))
	for i, op := range p.ops {
		parts[i] = op.String()
	}
	return strings.Join(parts, " -> ")
}

// affine is a post-op chain collapsed to dst = p*acc + q*prev + r.
type affine struct {
	p, q, r float32
}

func (p PostOps) fold() (affine, error) {
	f := affine{p: 1}
	sums := 0
	for _, op := range p.ops {
		switch op.Kind {
		case PostOpEltwise:
			if op.Alg != EltwiseLinear {
				return affine{}, fmt.Errorf("%w: eltwise %s", ErrUnimplemented, op.Alg)
			}
			f.p *= op.Alpha
			f.q *= op.Alpha
			f.r = op.Alpha*f.r + op.Beta
		case PostOpSum:
			sums++
			if sums > 1 {
				return affine{}, ErrDuplicateSum
			}
			f.q += op.Scale
		default:
			return affine{}, fmt.Errorf("%w: post-op %s", ErrUnimplemented, op.Kind)
		}
	}
	return f, nil
}

type ScratchpadMode uint8

const (
	// ScratchpadLibrary lets the primitive allocate its own scratch memory.
	ScratchpadLibrary ScratchpadMode = iota
	// ScratchpadUser requires the caller to pass ArgScratchpad.
	ScratchpadUser
)

func (m ScratchpadMode) String() string {
	if m == ScratchpadUser {
		return "user"
	}
	return "library"
}

// FPMathMode controls whether f32 inputs may be computed at reduced
// precision.
type FPMathMode uint8

const (
	FPMathStrict FPMathMode = iota
	FPMathBF16
	FPMathF16
	FPMathTF32
	FPMathAny
)

var fpMathNames = [...]string{
	FPMathStrict: "strict",
	FPMathBF16:   "bf16",
	FPMathF16:    "f16",
	FPMathTF32:   "tf32",
	FPMathAny:    "any",
}

func (m FPMathMode) String() string {
	if int(m) < len(fpMathNames) {
		return fpMathNames[m]
	}
	return fmt.Sprintf("fpmath(%d)", uint8(m))
}

func ParseFPMathMode(s string) (FPMathMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return FPMathStrict, nil
	}
	for i, n := range fpMathNames {
		if n == name {
			return FPMathMode(i), nil
		}
	}
	return FPMathStrict, fmt.Errorf("unknown fp math mode %q", s)
}

func (m FPMathMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *FPMathMode) UnmarshalText(text []byte) error {
	v, err := ParseFPMathMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// roundsInputs reports whether f32 operands are rounded before the
// multiply. FPMathAny may pick any precision; the host kernel keeps strict.
func (m FPMathMode) roundsInputs() bool {
	switch m {
	case FPMathBF16, FPMathF16, FPMathTF32:
		return true
	default:
		return false
	}
}

// Attr carries primitive attributes.
type Attr struct {
	ScratchpadMode ScratchpadMode
	FPMathMode     FPMathMode
	PostOps        PostOps
}
