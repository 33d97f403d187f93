package dnn

import (
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/cpu"
)

type EngineKind string

const KindCPU EngineKind = "cpu"

// Engine is the execution context a primitive is created for. Engines are
// bound to one stream and are safe for concurrent use.
type Engine struct {
	streamID uuid.UUID
	kind     EngineKind
	workers  int
	isa      string
	created  time.Time

	// onSlice runs at the start of each kernel batch slice. Tests only.
	onSlice func(b int64)
}

func newEngine(streamID uuid.UUID, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		streamID: streamID,
		kind:     KindCPU,
		workers:  workers,
		isa:      HostISA(),
		created:  time.Now(),
	}
}

func (e *Engine) StreamID() uuid.UUID { return e.streamID }
func (e *Engine) Kind() EngineKind    { return e.kind }
func (e *Engine) Workers() int        { return e.workers }
func (e *Engine) ISA() string         { return e.isa }
func (e *Engine) Created() time.Time  { return e.created }

// EngineInfo is a serializable snapshot of an engine.
type EngineInfo struct {
	StreamID string     `json:"stream_id"`
	Kind     EngineKind `json:"kind"`
	Workers  int        `json:"workers"`
	ISA      string     `json:"isa"`
	Created  time.Time  `json:"created"`
}

func (e *Engine) Info() EngineInfo {
	return EngineInfo{
		StreamID: e.streamID.String(),
		Kind:     e.kind,
		Workers:  e.workers,
		ISA:      e.isa,
		Created:  e.created,
	}
}

// HostISA names the widest vector extension the host CPU reports.
func HostISA() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "avx512"
	case cpu.X86.HasAVX2 && cpu.X86.HasFMA:
		return "avx2_fma"
	case cpu.X86.HasAVX:
		return "avx"
	case cpu.ARM64.HasSVE:
		return "sve"
	case cpu.ARM64.HasASIMD:
		return "asimd"
	default:
		return "generic"
	}
}

// CPUFeatures reports the vector extensions relevant to the kernels.
func CPUFeatures() map[string]bool {
	return map[string]bool{
		"avx":        cpu.X86.HasAVX,
		"avx2":       cpu.X86.HasAVX2,
		"fma":        cpu.X86.HasFMA,
		"avx512f":    cpu.X86.HasAVX512F,
		"avx512bf16": cpu.X86.HasAVX512BF16,
		"avx512vnni": cpu.X86.HasAVX512VNNI,
		"asimd":      cpu.ARM64.HasASIMD,
		"asimdhp":    cpu.ARM64.HasASIMDHP,
		"sve":        cpu.ARM64.HasSVE,
	}
}
