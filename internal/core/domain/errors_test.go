package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWorkflowError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *WorkflowError
		expected string
	}{
		{
			name:     "kind and message",
			err:      &WorkflowError{Kind: ErrorKindResolution, Message: "no pointer for acme"},
			expected: "resolution: no pointer for acme",
		},
		{
			name:     "with component",
			err:      ErrStructuredOutput("bad judge output", nil).WithComponent(ComponentAuditor),
			expected: "structured_output (AUDITOR): bad judge output",
		},
		{
			name:     "with wrapped error",
			err:      ErrGeneration(errors.New("timeout")),
			expected: "generation: generation failed: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWorkflowError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *WorkflowError
		expected int
	}{
		{"resolution", ErrResolution("missing", nil), http.StatusInternalServerError},
		{"generation", ErrGeneration(nil), http.StatusBadGateway},
		{"invalid request", ErrInvalidRequest("chat_id required"), http.StatusBadRequest},
		{"unauthorized", ErrUnauthorized("bad key"), http.StatusForbidden},
		{"not found", ErrMissing("chat"), http.StatusNotFound},
		{"depth exceeded", ErrDepthExceeded(2), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestWorkflowError_Predicates(t *testing.T) {
	wrapped := fmt.Errorf("refine job: %w", ErrDepthExceeded(2))

	if !IsDepthExceeded(wrapped) {
		t.Error("IsDepthExceeded() = false for wrapped error")
	}
	if IsResolution(wrapped) {
		t.Error("IsResolution() = true for depth error")
	}
	if IsGeneration(errors.New("plain")) {
		t.Error("IsGeneration() = true for plain error")
	}

	missing := ErrResolution("pointer", fmt.Errorf("get pointer: %w", ErrNotFound))
	if !errors.Is(missing, ErrNotFound) {
		t.Error("errors.Is(ErrNotFound) = false through WorkflowError")
	}
}

func TestWorkflowError_Terminal(t *testing.T) {
	if ErrGeneration(nil).Terminal() {
		t.Error("generation errors should be retried")
	}
	for _, err := range []*WorkflowError{
		ErrStructuredOutput("x", nil),
		ErrDepthExceeded(2),
		ErrResolution("x", nil),
		ErrStale("pointer moved", ErrConflict),
	} {
		if !err.Terminal() {
			t.Errorf("%s should be terminal", err.Kind)
		}
	}
}
