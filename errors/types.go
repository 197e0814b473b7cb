package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Submission rejections
	ErrCodeSessionAlreadyActive   ErrorCode = "SESSION_ALREADY_ACTIVE"
	ErrCodeNoInstances            ErrorCode = "NO_INSTANCES"
	ErrCodeToolNotSpecified       ErrorCode = "TOOL_NOT_SPECIFIED"
	ErrCodeUnknownTool            ErrorCode = "UNKNOWN_TOOL"
	ErrCodeStorageNotConfigured   ErrorCode = "STORAGE_NOT_CONFIGURED"
	ErrCodeUnsupportedComputeMode ErrorCode = "UNSUPPORTED_COMPUTE_MODE"
	ErrCodeDailyLimitExceeded     ErrorCode = "DAILY_LIMIT_EXCEEDED"
	ErrCodeWindowLimitExceeded    ErrorCode = "WINDOW_LIMIT_EXCEEDED"

	// Session errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeToolInvalid     ErrorCode = "TOOL_INVALID"

	// Runner errors
	ErrCodeRunnerAlreadyRunning ErrorCode = "RUNNER_ALREADY_RUNNING"

	// General errors
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
)

// DaasError represents a structured error with context
type DaasError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *DaasError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *DaasError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *DaasError) WithDetail(key string, value interface{}) *DaasError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *DaasError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new DaasError
func New(code ErrorCode, message string) *DaasError {
	return &DaasError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a DaasError
func Wrap(err error, code ErrorCode, message string) *DaasError {
	return &DaasError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific DaasError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && code != ""
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	daasErr, ok := err.(*DaasError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return daasErr.Code
}

// IsRejection reports whether err is a submission rejection, i.e. the
// session was never created and the caller can fix the request.
func IsRejection(err error) bool {
	switch GetCode(err) {
	case ErrCodeSessionAlreadyActive,
		ErrCodeNoInstances,
		ErrCodeToolNotSpecified,
		ErrCodeUnknownTool,
		ErrCodeStorageNotConfigured,
		ErrCodeUnsupportedComputeMode,
		ErrCodeDailyLimitExceeded,
		ErrCodeWindowLimitExceeded:
		return true
	}
	return false
}
