package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, Code(NotFound("gap", "100")))
	assert.Equal(t, ErrCodeInvalidInput, Code(InvalidInput("level", "out of range")))
	assert.Equal(t, ErrCodeConflict, Code(New(ErrCodeConflict, "taken")))

	// Uncoded errors default to internal.
	assert.Equal(t, ErrCodeInternal, Code(fmt.Errorf("plain")))

	// Wrapping chains preserve the code.
	wrapped := fmt.Errorf("outer: %w", New(ErrCodeUnauthorized, "nope"))
	assert.Equal(t, ErrCodeUnauthorized, Code(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeUnauthorized))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to get gap")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to get gap")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("f", "m")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("gap", "1")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(ErrCodeConflict, "m")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(New(ErrCodeUnauthorized, "m")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}
