package errors

import (
	"fmt"
	"io/fs"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := InvalidPathf("path %q is relative", "a/b")

	assert.True(t, Is(err, ErrInvalidPath))
	assert.False(t, Is(err, ErrNotRunning))
	assert.Equal(t, `path "a/b" is relative`, err.Error())
}

func TestError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("register: %w", ErrAlreadyRunning)

	assert.True(t, Is(err, ErrAlreadyRunning))
}

func TestError_WithCause(t *testing.T) {
	err := ErrWatch.WithCause(fs.ErrPermission)

	assert.True(t, Is(err, ErrWatch))
	assert.True(t, Is(err, fs.ErrPermission))
	assert.Equal(t, "watch error: permission denied", err.Error())
	assert.Nil(t, ErrWatch.Unwrap(), "sentinel must not be mutated")
}

func TestError_WithDetails(t *testing.T) {
	err := ErrValidation.WithDetails(map[string]string{"poll_interval": "too small"})

	assert.Equal(t, CodeValidation, err.Code)
	assert.NotNil(t, err.Details)
	assert.Nil(t, ErrValidation.Details)
}

func TestCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidPath, http.StatusBadRequest},
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeAlreadyRunning, http.StatusConflict},
		{CodeNotRunning, http.StatusConflict},
		{CodeNativeUnavailable, http.StatusServiceUnavailable},
		{CodeWatch, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}
