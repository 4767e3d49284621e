package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "test error message",
	}

	assert.Equal(t, "test error message", err.Error())
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("validation failed")

	assert.Error(t, err)
	assert.Equal(t, "validation failed", err.Error())

	validationErr, ok := err.(*ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "validation failed", validationErr.Message)
}

func TestNewValidationErrorf(t *testing.T) {
	err := NewValidationErrorf("horizon %q invalid at position %d", "soon", 2)

	assert.Equal(t, `horizon "soon" invalid at position 2`, err.Error())
}

func TestNewFieldError(t *testing.T) {
	err := NewFieldError("leader_id", "is required")

	assert.Equal(t, "leader_id: is required", err.Error())
}

func TestIsValidationError(t *testing.T) {
	wrapped := fmt.Errorf("request: %w", NewValidationError("bad"))

	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsValidationError(fmt.Errorf("plain")))
	assert.False(t, IsValidationError(nil))
}
