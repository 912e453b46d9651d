package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for segment retrieval
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeUnknownFamily   ErrorCode = 1001
	ErrCodeKernelNotLoaded ErrorCode = 1002
	ErrCodeTooManyFiles    ErrorCode = 1003
	ErrCodeNoLoadedFiles   ErrorCode = 1004

	// Source and internal errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeSourceFailed  ErrorCode = 2001
	ErrCodeCorruptedData ErrorCode = 2002
)

// String returns the wire name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeUnknownFamily:
		return "UNKNOWN_FAMILY"
	case ErrCodeKernelNotLoaded:
		return "KERNEL_NOT_LOADED"
	case ErrCodeTooManyFiles:
		return "TOO_MANY_FILES"
	case ErrCodeNoLoadedFiles:
		return "NO_LOADED_FILES"
	case ErrCodeSourceFailed:
		return "SOURCE_FAILED"
	case ErrCodeCorruptedData:
		return "CORRUPTED_DATA"
	default:
		return "INTERNAL_ERROR"
	}
}

// BSRError represents a structured error with code and context
type BSRError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *BSRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *BSRError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *BSRError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeUnknownFamily:
		return http.StatusBadRequest
	case ErrCodeKernelNotLoaded:
		return http.StatusNotFound
	case ErrCodeTooManyFiles:
		return http.StatusConflict
	case ErrCodeNoLoadedFiles:
		return http.StatusPreconditionFailed
	case ErrCodeCorruptedData:
		return http.StatusUnprocessableEntity
	case ErrCodeSourceFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewBSRError creates a new BSRError
func NewBSRError(code ErrorCode, message string, cause error) *BSRError {
	return &BSRError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *BSRError) WithDetail(key string, value interface{}) *BSRError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *BSRError {
	return NewBSRError(ErrCodeInvalidArgument, message, cause)
}

func UnknownFamily(name string) *BSRError {
	return NewBSRError(ErrCodeUnknownFamily, fmt.Sprintf("unknown kernel family '%s'", name), nil).
		WithDetail("family", name)
}

func KernelNotLoaded(path string) *BSRError {
	return NewBSRError(ErrCodeKernelNotLoaded, fmt.Sprintf("kernel not loaded: %s", path), nil).
		WithDetail("path", path)
}

func TooManyFiles(family string, limit int) *BSRError {
	return NewBSRError(ErrCodeTooManyFiles, fmt.Sprintf("%s file table is full: %d files loaded", family, limit), nil).
		WithDetail("family", family).
		WithDetail("limit", limit)
}

func NoLoadedFiles(family string) *BSRError {
	return NewBSRError(ErrCodeNoLoadedFiles, fmt.Sprintf("no %s files are loaded", family), nil).
		WithDetail("family", family)
}

func SourceFailed(message string, cause error) *BSRError {
	return NewBSRError(ErrCodeSourceFailed, message, cause)
}

func CorruptedData(message string, cause error) *BSRError {
	return NewBSRError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *BSRError {
	return NewBSRError(ErrCodeInternal, message, cause)
}

// IsBSRError checks if an error is, or wraps, a BSRError
func IsBSRError(err error) bool {
	var be *BSRError
	return stderrors.As(err, &be)
}

// AsBSRError returns the BSRError in err's chain
func AsBSRError(err error) (*BSRError, bool) {
	var be *BSRError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var be *BSRError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
