package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Registry errors
	ErrModelNotFound          = errors.New("model not found in registry")
	ErrVersionNotFound        = errors.New("model version not found in registry")
	ErrArtifactNotFound       = errors.New("model artifact not found")
	ErrInvalidVersionOrdering = errors.New("version cannot be compared")

	// Scoring errors
	ErrLoadFailure       = errors.New("failed to load model")
	ErrPredictionFailure = errors.New("model prediction failed")
	ErrScoringExhausted  = errors.New("all scoring strategies failed")

	// Persistence errors
	ErrPersistenceWrite = errors.New("failed to durably write state")
	ErrPersistenceRead  = errors.New("failed to read persisted state")

	// Aggregation errors
	ErrAggregationFailure = errors.New("aggregate recomputation failed")
	ErrNoFeedbackData     = errors.New("no feedback data available")
	ErrNoDriftData        = errors.New("no drift data available")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeRegistry      ErrorType = "registry"
	ErrorTypeDeployment    ErrorType = "deployment"
	ErrorTypeScoring       ErrorType = "scoring"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeAggregation   ErrorType = "aggregation"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Advisory   bool                   `json:"advisory"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error. Aggregation errors are
// advisory by convention: callers keep serving with stale derived data.
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Advisory:   errType == ErrorTypeAggregation,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		Advisory:   errType == ErrorTypeAggregation,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewRegistryError creates a registry lookup/mutation error
func NewRegistryError(code, message string) *AppError {
	return NewAppError(ErrorTypeRegistry, code, message)
}

// NewDeploymentError creates a deployment tracking error
func NewDeploymentError(code, message string) *AppError {
	return NewAppError(ErrorTypeDeployment, code, message)
}

// NewScoringError creates a scoring error
func NewScoringError(code, message string) *AppError {
	return NewAppError(ErrorTypeScoring, code, message)
}

// NewPersistenceError creates a persistence error. Persistence failures are
// escalated, never swallowed: losing the current-version pointer is an
// operator incident.
func NewPersistenceError(code, message string) *AppError {
	return NewAppError(ErrorTypePersistence, code, message)
}

// NewAggregationError creates an advisory aggregation error. Callers keep
// serving with stale derived data when they see one.
func NewAggregationError(code, message string) *AppError {
	return NewAppError(ErrorTypeAggregation, code, message)
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return 400
	case ErrorTypeRegistry, ErrorTypeDeployment:
		return 404
	case ErrorTypeScoring, ErrorTypeAggregation, ErrorTypeInternal:
		return 500
	case ErrorTypePersistence, ErrorTypeConfiguration:
		return 503
	default:
		return 500
	}
}

// Error codes for different error scenarios
const (
	// Registry error codes
	CodeModelNotFound    = "MODEL_NOT_FOUND"
	CodeVersionNotFound  = "VERSION_NOT_FOUND"
	CodeArtifactNotFound = "ARTIFACT_NOT_FOUND"
	CodeInvalidVersion   = "INVALID_VERSION"

	// Scoring error codes
	CodeLoadFailed       = "MODEL_LOAD_FAILED"
	CodePredictionFailed = "PREDICTION_FAILED"
	CodeScoringExhausted = "SCORING_EXHAUSTED"

	// Persistence error codes
	CodeWriteFailed = "WRITE_FAILED"
	CodeReadFailed  = "READ_FAILED"

	// Aggregation error codes
	CodeAggregationFailed = "AGGREGATION_FAILED"
	CodeNoData            = "NO_DATA"

	// Validation error codes
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"
	CodeOutOfRange   = "OUT_OF_RANGE"
)

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}
