package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel store errors. Adapters wrap these so callers can match with
// errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflicting update")
)

// ErrorKind is the category of a workflow error.
type ErrorKind string

const (
	// ErrorKindResolution means the pointer or the config it names is missing.
	ErrorKindResolution ErrorKind = "resolution"

	// ErrorKindGeneration means the model call failed.
	ErrorKindGeneration ErrorKind = "generation"

	// ErrorKindStructuredOutput means judge or refiner output did not parse.
	ErrorKindStructuredOutput ErrorKind = "structured_output"

	// ErrorKindDepthExceeded means the refinement bound was reached.
	ErrorKindDepthExceeded ErrorKind = "depth_exceeded"

	// ErrorKindNotFound is a missing chat or agent on a read endpoint.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindInvalidRequest is a malformed caller request.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindUnauthorized is a missing or wrong admin key.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindStale means a newer write has already replaced what the job
	// would change.
	ErrorKindStale ErrorKind = "stale"
)

// WorkflowError is the typed error used across stages.
type WorkflowError struct {
	Kind      ErrorKind `json:"kind"`
	Component Component `json:"component,omitempty"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	prefix := string(e.Kind)
	if e.Component != "" {
		prefix = fmt.Sprintf("%s (%s)", e.Kind, e.Component)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// Terminal reports whether retrying the same job cannot succeed. Only
// generation failures are worth a redelivery.
func (e *WorkflowError) Terminal() bool {
	return e.Kind != ErrorKindGeneration
}

// HTTPStatusCode maps the error to a response status. Resolution and
// generation failures are reported as a generic 5xx.
func (e *WorkflowError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindUnauthorized:
		return http.StatusForbidden
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithComponent sets the component that raised the error.
func (e *WorkflowError) WithComponent(c Component) *WorkflowError {
	e.Component = c
	return e
}

// NewWorkflowError creates a workflow error.
func NewWorkflowError(kind ErrorKind, message string, err error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Err: err}
}

// ErrResolution creates a resolution error.
func ErrResolution(message string, err error) *WorkflowError {
	return NewWorkflowError(ErrorKindResolution, message, err)
}

// ErrGeneration creates a generation error.
func ErrGeneration(err error) *WorkflowError {
	return NewWorkflowError(ErrorKindGeneration, "generation failed", err)
}

// ErrStructuredOutput creates a structured output error.
func ErrStructuredOutput(message string, err error) *WorkflowError {
	return NewWorkflowError(ErrorKindStructuredOutput, message, err)
}

// ErrDepthExceeded creates a depth exceeded error.
func ErrDepthExceeded(depth int) *WorkflowError {
	return NewWorkflowError(ErrorKindDepthExceeded,
		fmt.Sprintf("refinement depth %d reached limit %d", depth, MaxRefinementDepth), nil)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *WorkflowError {
	return NewWorkflowError(ErrorKindInvalidRequest, message, nil)
}

// ErrUnauthorized creates an unauthorized error.
func ErrUnauthorized(message string) *WorkflowError {
	return NewWorkflowError(ErrorKindUnauthorized, message, nil)
}

// ErrMissing creates a not found error for a read endpoint.
func ErrMissing(message string) *WorkflowError {
	return NewWorkflowError(ErrorKindNotFound, message, ErrNotFound)
}

// ErrStale creates a stale error.
func ErrStale(message string, err error) *WorkflowError {
	return NewWorkflowError(ErrorKindStale, message, err)
}

// AsWorkflowError extracts a WorkflowError from err's chain.
func AsWorkflowError(err error) (*WorkflowError, bool) {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// IsKind reports whether err carries a WorkflowError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	we, ok := AsWorkflowError(err)
	return ok && we.Kind == kind
}

func IsResolution(err error) bool       { return IsKind(err, ErrorKindResolution) }
func IsGeneration(err error) bool       { return IsKind(err, ErrorKindGeneration) }
func IsStructuredOutput(err error) bool { return IsKind(err, ErrorKindStructuredOutput) }
func IsDepthExceeded(err error) bool    { return IsKind(err, ErrorKindDepthExceeded) }
func IsStale(err error) bool            { return IsKind(err, ErrorKindStale) }
