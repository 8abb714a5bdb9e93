package errors

import "fmt"

// ErrorCode represents a chew error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"      // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"            // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"       // 404
	ErrConflict           ErrorCode = "CONFLICT"             // 409
	ErrVerifyMismatch     ErrorCode = "VERIFY_MISMATCH"      // 409
	ErrTranscriptTooLarge ErrorCode = "TRANSCRIPT_TOO_LARGE" // 413
	ErrMalformedTrace     ErrorCode = "MALFORMED_TRACE"      // 422
	ErrInternal           ErrorCode = "INTERNAL"             // 500
)

// ChewError represents a structured error with code, status, and details.
type ChewError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *ChewError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ChewError {
	return &ChewError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a run cannot be found.
func NewNotFound(identifier string) *ChewError {
	return &ChewError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("run not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing file path.
func NewFileNotFound(path string) *ChewError {
	return &ChewError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *ChewError {
	return &ChewError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewVerifyMismatch creates a 409 error for a replay divergence.
// step is the 0-based replay step, field names the diverging record field.
func NewVerifyMismatch(step int, field string, want, got any) *ChewError {
	return &ChewError{
		Code:    ErrVerifyMismatch,
		Status:  409,
		Message: fmt.Sprintf("replay diverged from trace at step %d (%s)", step, field),
		Details: map[string]any{"step": step, "field": field, "want": want, "got": got},
	}
}

// NewTranscriptTooLarge creates a 413 error when a transcript exceeds the size limit.
func NewTranscriptTooLarge(max, actual int) *ChewError {
	return &ChewError{
		Code:    ErrTranscriptTooLarge,
		Status:  413,
		Message: fmt.Sprintf("transcript exceeds maximum size: %d bytes (max %d)", actual, max),
		Details: map[string]any{"max_bytes": max, "actual_bytes": actual},
	}
}

// NewMalformedTrace creates a 422 error for an unparseable transcript line.
// The whole scan is aborted; partial records are never surfaced.
func NewMalformedTrace(lineNumber int, line string, err error) *ChewError {
	msg := "malformed trace line"
	if err != nil {
		msg = err.Error()
	}
	return &ChewError{
		Code:    ErrMalformedTrace,
		Status:  422,
		Message: fmt.Sprintf("line %d: %s", lineNumber, msg),
		Details: map[string]any{"line_number": lineNumber, "line": line},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ChewError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ChewError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a ChewError with the given code.
func Is(err error, code ErrorCode) bool {
	if cErr, ok := err.(*ChewError); ok {
		return cErr.Code == code
	}
	return false
}
