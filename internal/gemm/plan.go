package gemm

import (
	"context"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

// OperandInfo is a serializable MatrixDescriptor without its memory.
type OperandInfo struct {
	Transpose        string `json:"transpose"`
	NumRows          int64  `json:"num_rows"`
	NumCols          int64  `json:"num_cols"`
	BatchStride      int64  `json:"batch_stride"`
	LeadingDimStride int64  `json:"leading_dim_stride"`
}

func operandInfo(d MatrixDescriptor) OperandInfo {
	return OperandInfo{
		Transpose:        d.Transpose.String(),
		NumRows:          d.NumRows,
		NumCols:          d.NumCols,
		BatchStride:      d.BatchStride,
		LeadingDimStride: d.LeadingDimStride,
	}
}

// Plan describes how a GEMM would run without allocating or executing.
type Plan struct {
	Batch        int64           `json:"batch"`
	M            int64           `json:"m"`
	N            int64           `json:"n"`
	K            int64           `json:"k"`
	DType        matrix.DType    `json:"dtype"`
	Swapped      bool            `json:"swapped"`
	Lhs          OperandInfo     `json:"lhs"`
	Rhs          OperandInfo     `json:"rhs"`
	Out          OperandInfo     `json:"out"`
	Params       MatMulParams    `json:"params"`
	FPMathMode   string          `json:"fp_math_mode"`
	PostOps      []string        `json:"post_ops"`
	Staging      dnn.StagingInfo `json:"staging"`
	ScratchBytes int64           `json:"scratch_bytes"`
	Engine       dnn.EngineInfo  `json:"engine"`
}

// Plan validates and normalizes cfg and builds its primitive for stream.
// It fails with the same errors RunGemm would before allocation.
func (e *Executor) Plan(_ context.Context, cfg Config, stream device.Stream) (*Plan, error) {
	call, err := e.build(cfg, device.Memory{}, device.Memory{}, device.Memory{}, stream)
	if err != nil {
		return nil, err
	}
	inv := call.inv
	attr := call.pd.Attr()
	ops := attr.PostOps.Ops()
	postOps := make([]string, len(ops))
	for i, op := range ops {
		postOps[i] = op.String()
	}
	return &Plan{
		Batch:        inv.batch,
		M:            inv.m,
		N:            inv.n,
		K:            inv.k,
		DType:        cfg.OutputLayout.DType,
		Swapped:      inv.swapped,
		Lhs:          operandInfo(inv.lhs),
		Rhs:          operandInfo(inv.rhs),
		Out:          operandInfo(inv.out),
		Params:       call.params,
		FPMathMode:   attr.FPMathMode.String(),
		PostOps:      postOps,
		Staging:      call.pd.Staging(),
		ScratchBytes: call.pd.ScratchpadDesc().Size(),
		Engine:       call.pd.Engine().Info(),
	}, nil
}
