package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

const (
	headerRequestID = "X-Request-Id"
	ctxRequestID    = "request_id"

	// maxBodyBytes bounds a request body; operands travel inline.
	maxBodyBytes = 64 << 20
)

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "invalid_request")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "not_found")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeFailure renders err with the status its kind maps to.
func writeFailure(c *echo.Context, err error) error {
	se := classify(err)
	return writeError(c, se.status, se.errType, err.Error(), se.code)
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("read body: %v", err))
	}
	if len(body) > maxBodyBytes {
		return nil, newInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
	}
	if len(body) == 0 {
		return nil, newInvalidRequest("request body is required")
	}
	return body, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}

// requestID tags every request and response with an ID, keeping one the
// client supplied.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		c.Set(ctxRequestID, id)
		return next(c)
	}
}

func requestIDOf(c *echo.Context) string {
	id, _ := c.Get(ctxRequestID).(string)
	return id
}

func newRunID() string {
	return "gemm_" + uuid.NewString()
}
