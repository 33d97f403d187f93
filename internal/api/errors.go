package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/problem"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusError is the HTTP rendering of an error.
type statusError struct {
	status  int
	errType string
	code    string
}

// classify maps executor and request errors onto HTTP responses.
func classify(err error) statusError {
	switch {
	case errors.Is(err, gemm.ErrTypeMismatch):
		return statusError{http.StatusBadRequest, "invalid_request_error", "type_mismatch"}
	case errors.Is(err, gemm.ErrUnsupportedDType):
		return statusError{http.StatusBadRequest, "invalid_request_error", "unsupported_dtype"}
	case errors.Is(err, matrix.ErrInvalidLayout):
		return statusError{http.StatusBadRequest, "invalid_request_error", "invalid_layout"}
	case errors.Is(err, problem.ErrInvalidProblem), errors.Is(err, ErrInvalidRequest):
		return statusError{http.StatusBadRequest, "invalid_request_error", "invalid_request"}
	case errors.Is(err, gemm.ErrAllocation):
		return statusError{http.StatusInsufficientStorage, "server_error", "allocation_failed"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return statusError{http.StatusServiceUnavailable, "server_error", "timeout"}
	case errors.Is(err, gemm.ErrBackend):
		return statusError{http.StatusInternalServerError, "server_error", "backend_error"}
	default:
		return statusError{http.StatusInternalServerError, "server_error", "internal_error"}
	}
}
