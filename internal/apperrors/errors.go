package apperrors

import (
	"fmt"
	"time"
)

// ValidationError represents malformed or oversized render input. It is the
// caller's fault and is never retried by the render pipeline.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Is allows for error checking with errors.Is().
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RenderEngineError is returned when the rendering engine ran and reported
// failure: a non-zero exit status, or a zero exit with empty output.
type RenderEngineError struct {
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *RenderEngineError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("rendering engine failed (exit code %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("rendering engine failed (exit code %d)", e.ExitCode)
}

// Is allows for error checking with errors.Is().
func (e *RenderEngineError) Is(target error) bool {
	_, ok := target.(*RenderEngineError)
	return ok
}

// NewRenderEngineError creates a new RenderEngineError carrying the captured
// (already truncated) diagnostic text.
func NewRenderEngineError(exitCode int, stderr string) *RenderEngineError {
	return &RenderEngineError{ExitCode: exitCode, Stderr: stderr}
}

// RenderTimeoutError is returned when the engine exceeded the configured time
// budget and was reclaimed.
type RenderTimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface.
func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render timed out after %s", e.Timeout)
}

// Is allows for error checking with errors.Is().
func (e *RenderTimeoutError) Is(target error) bool {
	_, ok := target.(*RenderTimeoutError)
	return ok
}

// NewRenderTimeoutError creates a new RenderTimeoutError.
func NewRenderTimeoutError(timeout time.Duration) *RenderTimeoutError {
	return &RenderTimeoutError{Timeout: timeout}
}

// ConcurrencyLimitError signals that admission was refused because the system
// is at capacity. It is a load-shedding signal the caller may retry on.
type ConcurrencyLimitError struct {
	Current int
	Max     int
}

// Error implements the error interface.
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrent render limit reached (%d of %d in flight)", e.Current, e.Max)
}

// Is allows for error checking with errors.Is().
func (e *ConcurrencyLimitError) Is(target error) bool {
	_, ok := target.(*ConcurrencyLimitError)
	return ok
}

// NewConcurrencyLimitError creates a new ConcurrencyLimitError.
func NewConcurrencyLimitError(current, max int) *ConcurrencyLimitError {
	return &ConcurrencyLimitError{Current: current, Max: max}
}

// CacheError represents a failed cache read or write. Cache errors never fail
// the render path; they are logged and counted, then the request degrades to
// an uncached render.
type CacheError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
}

// Is allows for error checking with errors.Is().
func (e *CacheError) Is(target error) bool {
	_, ok := target.(*CacheError)
	return ok
}

// Unwrap returns the underlying error.
func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewCacheError wraps err as a CacheError for the given operation.
func NewCacheError(op string, err error) *CacheError {
	return &CacheError{Op: op, Err: err}
}

// DecodeError is returned when a token presented to a decode path is not
// valid output of the corresponding encode path.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid token: %s", e.Reason)
}

// Is allows for error checking with errors.Is().
func (e *DecodeError) Is(target error) bool {
	_, ok := target.(*DecodeError)
	return ok
}

// Unwrap returns the underlying error, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a new DecodeError.
func NewDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// EngineNotFoundError is returned when the rendering engine is not usable:
// the jar is missing or the Java runtime cannot be executed.
type EngineNotFoundError struct {
	JarPath  string
	JavaPath string
	Err      error
}

// Error implements the error interface.
func (e *EngineNotFoundError) Error() string {
	return fmt.Sprintf("rendering engine unavailable (java=%s, jar=%s): %v", e.JavaPath, e.JarPath, e.Err)
}

// Is allows for error checking with errors.Is().
func (e *EngineNotFoundError) Is(target error) bool {
	_, ok := target.(*EngineNotFoundError)
	return ok
}

// Unwrap returns the underlying error.
func (e *EngineNotFoundError) Unwrap() error {
	return e.Err
}

// NewEngineNotFoundError creates a new EngineNotFoundError.
func NewEngineNotFoundError(javaPath, jarPath string, err error) *EngineNotFoundError {
	return &EngineNotFoundError{JavaPath: javaPath, JarPath: jarPath, Err: err}
}
