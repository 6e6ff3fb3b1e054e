package jobcore

import (
	"errors"
	"fmt"
)

var (
	// Submission errors.
	ErrShuttingDown = errors.New("jobcore: runner is shutting down")
	ErrUnknownKind  = errors.New("jobcore: unknown job kind")

	// Registry errors.
	ErrJobNotFound    = errors.New("jobcore: job not found")
	ErrNotCancellable = errors.New("jobcore: job has no cancel action")
	ErrNotRerunnable  = errors.New("jobcore: job has no rerun action")

	// Journal errors.
	ErrJournalClosed = errors.New("jobcore: journal closed")
)

// Code classifies a job failure for presentation and retry decisions.
type Code string

const (
	// CodeValidation means bad job input rejected before execution starts.
	CodeValidation Code = "validation"
	// CodeTimeout means the policy-enforced deadline expired.
	CodeTimeout Code = "timeout"
	// CodeCancelled means the user requested cancellation.
	CodeCancelled Code = "cancelled"
	// CodeChildCrash means a child process exited without a terminal payload.
	CodeChildCrash Code = "child_crash"
	// CodeProtocol means a malformed or unknown IPC envelope was received.
	CodeProtocol Code = "protocol"
	// CodeInfrastructure means an IO/OS/filesystem failure.
	CodeInfrastructure Code = "infrastructure"
	// CodeIntegration means an external integration failed.
	CodeIntegration Code = "integration"
	// CodeInternal means an unexpected failure.
	CodeInternal Code = "internal"
)

// Error is a classified job failure. The presentation layer shows only
// Code and Message; the wrapped cause stays in logs.
type Error struct {
	Code     Code
	Message  string
	ExitCode *int
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// NewError creates a classified error with no cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// ChildCrash creates a child-crash error carrying the child's exit code.
func ChildCrash(exitCode int, message string) *Error {
	return &Error{Code: CodeChildCrash, Message: message, ExitCode: &exitCode}
}

// CodeOf extracts the Code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether err is worth retrying under policy. Only
// infrastructure and integration failures are transient by definition;
// everything else would fail again identically.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeInfrastructure, CodeIntegration:
		return true
	default:
		return false
	}
}

// Failure is the wire/storage form of a classified error, embedded in
// JobFailed events and registry records.
type Failure struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// FailureFrom converts any error into its storable form. Unclassified
// errors become CodeInternal with the error text as message.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Failure{Code: e.Code, Message: e.Message, ExitCode: e.ExitCode}
	}
	return &Failure{Code: CodeInternal, Message: err.Error()}
}

// Err converts a stored Failure back into an error value.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return &Error{Code: f.Code, Message: f.Message, ExitCode: f.ExitCode}
}

// String renders the short taxonomy tag plus human-readable message.
func (f *Failure) String() string {
	if f == nil {
		return ""
	}
	if f.ExitCode != nil {
		return fmt.Sprintf("%s: %s (exit code %d)", f.Code, f.Message, *f.ExitCode)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}
