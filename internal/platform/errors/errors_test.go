package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidRequest(t *testing.T) {
	err := InvalidRequest("validation failed", "values must not be empty", "values[0] must be a number")

	assert.Equal(t, CodeInvalidRequest, err.Code)
	assert.Equal(t, "validation failed", err.Message)
	assert.Equal(t, []string{"values must not be empty", "values[0] must be a number"}, err.Details)
	assert.Nil(t, err.Cause)
	assert.NotNil(t, err.Context)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Contains(t, err.Error(), "invalid_request")
}

func TestInvalidStart(t *testing.T) {
	cause := fmt.Errorf("unexpected end of JSON input")
	err := InvalidStart("cannot decode start payload", cause)

	assert.Equal(t, CodeInvalidStart, err.Code)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Contains(t, err.Error(), "unexpected end of JSON input")
}

func TestInternal(t *testing.T) {
	cause := fmt.Errorf("producer exploded")
	err := Internal("operation failed", cause)

	assert.Equal(t, CodeServerException, err.Code)
	assert.Equal(t, cause, err.Cause)
	assert.False(t, err.Expected())
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
	assert.Contains(t, err.Error(), "server_exception")
	assert.Contains(t, err.Error(), "producer exploded")
}

func TestInternalWithoutCause(t *testing.T) {
	err := Internal("something went wrong", nil)

	assert.Nil(t, err.Cause)
	assert.NotContains(t, err.Error(), "<nil>")
}

func TestExpectedOutcomes(t *testing.T) {
	for _, err := range []*Error{
		NotFound("x"), InvalidStart("x", nil), InvalidRequest("x"), Unauthorized("x"),
		Forbidden("x"), Throttled("x"), Busy("x"),
	} {
		assert.True(t, err.Expected(), string(err.Code))
	}
}

func TestHTTPStatusAllCodes(t *testing.T) {
	tests := []struct {
		code       Code
		wantStatus int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidStart, http.StatusBadRequest},
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeThrottled, http.StatusTooManyRequests},
		{CodeBusy, http.StatusConflict},
		{CodeServerException, http.StatusInternalServerError},
		{Code("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := &Error{Code: tt.code}
			assert.Equal(t, tt.wantStatus, err.HTTPStatus())
		})
	}
}

func TestWithContextChaining(t *testing.T) {
	err := Busy("a run is already active").
		WithContext("request_id", "req-456").
		WithContext("route", "echo")

	assert.Len(t, err.Context, 2)
	assert.Equal(t, "req-456", err.Context["request_id"])
	assert.Equal(t, "echo", err.Context["route"])
}

func TestWithContextNilMap(t *testing.T) {
	err := &Error{Code: CodeBusy, Message: "test"}

	err = err.WithContext("key", "value")

	require.NotNil(t, err.Context)
	assert.Equal(t, "value", err.Context["key"])
}

func TestToResponse(t *testing.T) {
	err := InvalidRequest("invalid sum", "values must not be empty").
		WithContext("route", "sum")

	resp := err.ToResponse()

	assert.Equal(t, "invalid sum", resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Equal(t, []string{"values must not be empty"}, resp.Details)
	assert.Equal(t, "sum", resp.Context["route"])
}

func TestToResponseHidesCause(t *testing.T) {
	resp := Internal("internal server error", fmt.Errorf("secret dsn")).ToResponse()

	assert.Equal(t, "internal server error", resp.Error)
	assert.NotContains(t, fmt.Sprint(resp), "secret dsn")
}

func TestAsStructuredError(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		original := NotFound("no such route")
		assert.Same(t, original, AsStructuredError(original))
	})

	t.Run("wrapped structured", func(t *testing.T) {
		original := Throttled("slow down")
		result := AsStructuredError(fmt.Errorf("dispatch: %w", original))
		assert.Equal(t, CodeThrottled, result.Code)
	})

	t.Run("standard", func(t *testing.T) {
		original := fmt.Errorf("standard error")
		result := AsStructuredError(original)
		require.NotNil(t, result)
		assert.Equal(t, CodeServerException, result.Code)
		assert.Equal(t, "internal server error", result.Message)
		assert.True(t, errors.Is(result, original))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeBusy, CodeOf(fmt.Errorf("x: %w", Busy("busy"))))
	assert.Equal(t, CodeServerException, CodeOf(errors.New("plain")))
}
