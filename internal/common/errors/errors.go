// Package errors provides the standardized error taxonomy shared by the
// analysis core, the workers and the webhook, plus its BPMN mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Fatal infrastructure errors abort an analysis run.
const (
	ErrCodeSandboxUnavailable  ErrorCode = "SANDBOX_UNAVAILABLE"
	ErrCodeSandboxSetupTimeout ErrorCode = "SANDBOX_SETUP_TIMEOUT"
	ErrCodeDatasetUploadFailed ErrorCode = "DATASET_UPLOAD_FAILED"
	ErrCodeMissingCredentials  ErrorCode = "MISSING_CREDENTIALS"
	ErrCodeModelUnavailable    ErrorCode = "MODEL_UNAVAILABLE"
	ErrCodeAnalysisCancelled   ErrorCode = "ANALYSIS_CANCELLED"
)

// Pipeline errors raised around the core.
const (
	ErrCodeAnalysisFailed         ErrorCode = "ANALYSIS_FAILED"
	ErrCodeInvalidInput           ErrorCode = "INVALID_INPUT"
	ErrCodeDatasetNotFound        ErrorCode = "DATASET_NOT_FOUND"
	ErrCodeStorageFailed          ErrorCode = "STORAGE_FAILED"
	ErrCodeDatabaseFailed         ErrorCode = "DATABASE_FAILED"
	ErrCodeReportRenderFailed     ErrorCode = "REPORT_RENDER_FAILED"
	ErrCodeReportValidation       ErrorCode = "REPORT_VALIDATION_FAILED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeExternalService        ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout                ErrorCode = "TIMEOUT_ERROR"
	ErrCodeResourceNotFound       ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeAuthentication         ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

func newError(code ErrorCode, message string, cause error, retryable bool) *StandardError {
	se := &StandardError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
	if cause != nil {
		se.Details = cause.Error()
	}
	return se
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func NewSandboxUnavailableError(err error) *StandardError {
	return newError(ErrCodeSandboxUnavailable, "Sandbox could not be created", err, false)
}

// NewSandboxSetupTimeoutError is raised when sandbox creation outlives the
// client-side guard.
func NewSandboxSetupTimeoutError(limit time.Duration) *StandardError {
	se := newError(ErrCodeSandboxSetupTimeout, "Connection to the analysis sandbox timed out", nil, false)
	se.Details = fmt.Sprintf("sandbox setup exceeded %s", limit)
	return se
}

func NewDatasetUploadFailedError(err error) *StandardError {
	return newError(ErrCodeDatasetUploadFailed, "Dataset upload to sandbox failed", err, false)
}

func NewMissingCredentialsError(what string) *StandardError {
	se := newError(ErrCodeMissingCredentials, "Required credentials are missing", nil, false)
	se.Details = what
	return se
}

func NewModelUnavailableError(err error) *StandardError {
	return newError(ErrCodeModelUnavailable, "Generative model request failed", err, false)
}

func NewAnalysisCancelledError(err error) *StandardError {
	return newError(ErrCodeAnalysisCancelled, "Analysis cancelled before completion", err, false)
}

func NewInvalidInputError(details string) *StandardError {
	se := newError(ErrCodeInvalidInput, "Invalid job input", nil, false)
	se.Details = details
	return se
}

func NewDatasetNotFoundError(key string) *StandardError {
	se := newError(ErrCodeDatasetNotFound, "Dataset not found in storage", nil, false)
	se.Details = fmt.Sprintf("key: %s", key)
	return se
}

func NewStorageError(op string, err error) *StandardError {
	se := newError(ErrCodeStorageFailed, fmt.Sprintf("Object storage %s failed", op), err, true)
	return se
}

func NewDatabaseError(op string, err error) *StandardError {
	return newError(ErrCodeDatabaseFailed, fmt.Sprintf("Database %s failed", op), err, true)
}

func NewReportRenderError(err error) *StandardError {
	return newError(ErrCodeReportRenderFailed, "Report rendering failed", err, true)
}

func NewReportValidationError(details string) *StandardError {
	se := newError(ErrCodeReportValidation, "Structured report failed validation", nil, false)
	se.Details = details
	return se
}

func NewNotificationSendError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed, fmt.Sprintf("Notification via %s failed", channel), err, true)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), err, true)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), err, true)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	se := newError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found in %s", service), nil, false)
	se.Details = details
	return se
}

func NewAuthenticationError(details string) *StandardError {
	se := newError(ErrCodeAuthentication, "Authentication failed", nil, false)
	se.Details = details
	return se
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Internal error", err, false)
}

// NewAnalysisFailedError wraps a fatal core error for the BPMN boundary event,
// keeping the original code in Metadata.
func NewAnalysisFailedError(cause *StandardError) *StandardError {
	se := newError(ErrCodeAnalysisFailed, "Analysis could not be completed", cause, false)
	se.Metadata = map[string]interface{}{"originalErrorCode": string(cause.Code)}
	return se
}

// ==========================
// 4. Classification
// ==========================

var fatalCodes = map[ErrorCode]bool{
	ErrCodeSandboxUnavailable:  true,
	ErrCodeSandboxSetupTimeout: true,
	ErrCodeDatasetUploadFailed: true,
	ErrCodeMissingCredentials:  true,
	ErrCodeModelUnavailable:    true,
	ErrCodeAnalysisCancelled:   true,
}

// AsStandard extracts a *StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsFatal reports whether err carries one of the run-aborting codes.
func IsFatal(err error) bool {
	se, ok := AsStandard(err)
	return ok && fatalCodes[se.Code]
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	se, ok := AsStandard(err)
	return ok && se.Code == code
}

// ==========================
// 5. Error Conversion to BPMN
// ==========================

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStorageFailed,
		ErrCodeDatabaseFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeExternalService:
		return 3

	case ErrCodeReportRenderFailed,
		ErrCodeTimeout:
		return 2

	default:
		// Fatal analysis errors and business errors surface as BPMN errors.
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	if fatalCodes[code] {
		return "FATAL"
	}
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "STORAGE") || strings.Contains(codeStr, "DATASET"):
		return "STORAGE"
	case strings.Contains(codeStr, "REPORT"):
		return "REPORT"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.Contains(codeStr, "ANALYSIS"):
		return "ANALYSIS"
	default:
		return "OTHER"
	}
}
