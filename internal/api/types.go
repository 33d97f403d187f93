package api

import (
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/problem"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// RunOptions are the request fields of POST /v1/gemm besides the problem
// itself, which is decoded from the same body.
type RunOptions struct {
	Verify bool `json:"verify,omitempty"`
	// OmitValues drops the output values from the response.
	OmitValues bool `json:"omit_values,omitempty"`
}

type RunResponse struct {
	ID           string                `json:"id"`
	Object       string                `json:"object"`
	CreatedAt    int64                 `json:"created_at"`
	Plan         *gemm.Plan            `json:"plan"`
	ElapsedMS    float64               `json:"elapsed_ms"`
	Values       []float64             `json:"values,omitempty"`
	Verification *problem.Verification `json:"verification,omitempty"`
}

type PlanResponse struct {
	Object string     `json:"object"`
	Plan   *gemm.Plan `json:"plan"`
}

type EnginesResponse struct {
	Object string           `json:"object"`
	Data   []dnn.EngineInfo `json:"data"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Streams int    `json:"streams"`
	Scratch struct {
		Capacity int64 `json:"capacity"`
		InUse    int64 `json:"in_use"`
	} `json:"scratch"`
}
