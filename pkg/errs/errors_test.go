package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorMessage(t *testing.T) {
	cause := errors.New("boom")

	err := NewActionError("handler failed", cause).
		WithResource("server=s1,region=r1,app=a").
		WithOperation("ADD")

	assert.Equal(t,
		"[action] handler failed (resource=server=s1,region=r1,app=a, operation=ADD): boom",
		err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestEngineErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("bad", nil), IsValidation},
		{"dirty", NewDirtyStateError("dirty", nil), IsDirtyState},
		{"action", NewActionError("failed", nil), IsAction},
		{"verification", NewVerificationError("drift", nil), IsVerification},
		{"registration", NewRegistrationError("dup", nil), IsRegistration},
		{"graph", NewGraphError("cycle", nil), IsGraph},
		{"state", NewStateError("io", nil), IsState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestEngineErrorIsMatchesClassAndCode(t *testing.T) {
	err := NewGraphError("duplicate", nil).WithCode(ErrCodeAlreadyExists)

	assert.ErrorIs(t, err, &EngineError{Class: ErrorClassGraph, Code: ErrCodeAlreadyExists})
	assert.NotErrorIs(t, err, &EngineError{Class: ErrorClassGraph, Code: ErrCodeCycle})
	assert.Equal(t, ErrCodeAlreadyExists, CodeOf(fmt.Errorf("wrap: %w", err)))
}

func TestWithDetail(t *testing.T) {
	err := NewStateError("save failed", nil).WithDetail("name", "models")
	assert.Equal(t, "models", err.Details["name"])
}
