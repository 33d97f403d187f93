package matrix

import (
	"fmt"
	"strings"
)

// DType identifies the element type of a matrix operand.
// Keep these stable; add new values only.
type DType uint8

const (
	Invalid DType = iota
	Pred
	S8
	S16
	S32
	S64
	U8
	U16
	U32
	U64
	F16
	BF16
	F32
	F64
	C64
	C128
)

var dtypeNames = [...]string{
	Invalid: "invalid",
	Pred:    "pred",
	S8:      "s8",
	S16:     "s16",
	S32:     "s32",
	S64:     "s64",
	U8:      "u8",
	U16:     "u16",
	U32:     "u32",
	U64:     "u64",
	F16:     "f16",
	BF16:    "bf16",
	F32:     "f32",
	F64:     "f64",
	C64:     "c64",
	C128:    "c128",
}

var dtypeSizes = [...]int{
	Pred: 1,
	S8:   1,
	S16:  2,
	S32:  4,
	S64:  8,
	U8:   1,
	U16:  2,
	U32:  4,
	U64:  8,
	F16:  2,
	BF16: 2,
	F32:  4,
	F64:  8,
	C64:  8,
	C128: 16,
}

// String returns the lowercase primitive type name, e.g. "bf16".
func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Size returns the element size in bytes, or 0 for Invalid.
func (d DType) Size() int {
	if int(d) < len(dtypeSizes) {
		return dtypeSizes[d]
	}
	return 0
}

func (d DType) IsFloating() bool {
	switch d {
	case F16, BF16, F32, F64:
		return true
	default:
		return false
	}
}

func (d DType) IsComplex() bool {
	return d == C64 || d == C128
}

// ParseDType is the inverse of DType.String. Matching is case-insensitive.
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "float16", "half":
		return F16, nil
	case "bfloat16":
		return BF16, nil
	case "float32", "float":
		return F32, nil
	case "float64", "double":
		return F64, nil
	}
	for i, n := range dtypeNames {
		if DType(i) != Invalid && n == name {
			return DType(i), nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	v, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
