package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/problem"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func printPlan(w io.Writer, p *gemm.Plan) {
	fmt.Fprintf(w, "Shape:    batch=%d m=%d n=%d k=%d dtype=%s\n", p.Batch, p.M, p.N, p.K, p.DType)
	fmt.Fprintf(w, "Swapped:  %v\n", p.Swapped)
	fmt.Fprintf(w, "%-6s %3s %6s %6s %8s %8s\n", "Op", "T", "Rows", "Cols", "LD", "Batch")
	for _, op := range []struct {
		name string
		info gemm.OperandInfo
	}{{"lhs", p.Lhs}, {"rhs", p.Rhs}, {"out", p.Out}} {
		fmt.Fprintf(w, "%-6s %3s %6d %6d %8d %8d\n",
			op.name, op.info.Transpose, op.info.NumRows, op.info.NumCols, op.info.LeadingDimStride, op.info.BatchStride)
	}
	postOps := "none"
	if len(p.PostOps) > 0 {
		postOps = strings.Join(p.PostOps, ", ")
	}
	fmt.Fprintf(w, "Post-ops: %s\n", postOps)
	fmt.Fprintf(w, "FP math:  %s\n", p.FPMathMode)
	fmt.Fprintf(w, "Staging:  src=%v weights=%v dst=%v slots=%d\n", p.Staging.Src, p.Staging.Weights, p.Staging.Dst, p.Staging.Slots)
	fmt.Fprintf(w, "Scratch:  %d bytes\n", p.ScratchBytes)
	fmt.Fprintf(w, "Engine:   %s %s workers=%d\n", p.Engine.Kind, p.Engine.ISA, p.Engine.Workers)
}

// printValues prints each batch slice of a rows x cols result.
func printValues(w io.Writer, values []float64, batch, rows, cols int64) {
	for b := range batch {
		if batch > 1 {
			fmt.Fprintf(w, "[batch %d]\n", b)
		}
		for i := range rows {
			row := values[(b*rows+i)*cols : (b*rows+i+1)*cols]
			parts := make([]string, len(row))
			for j, v := range row {
				parts[j] = fmt.Sprintf("%10.4g", v)
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
		}
	}
}

func printVerification(w io.Writer, v problem.Verification) {
	status := "PASS"
	if !v.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "Verify:   %s (max abs diff %.3g, tolerance %.3g)\n", status, v.MaxAbsDiff, v.Tolerance)
}
