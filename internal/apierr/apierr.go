// Package apierr provides unified error handling for the control-plane
// HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error tag.
type ErrorCode string

const (
	ErrCodeUnauthorized    ErrorCode = "unauthorized"
	ErrCodeCSRFMismatch    ErrorCode = "csrf_mismatch"
	ErrCodePermissionDenied ErrorCode = "permission_denied"

	ErrCodePreconditionRequired ErrorCode = "precondition_required"
	ErrCodePreconditionFailed   ErrorCode = "precondition_failed"

	ErrCodeConfigurationNotEditable     ErrorCode = "configuration_not_editable"
	ErrCodeActiveConfigurationConflict ErrorCode = "active_configuration_conflict"
	ErrCodePublishConflict              ErrorCode = "publish_conflict"

	ErrCodeInvalidSourceShape     ErrorCode = "invalid_source_shape"
	ErrCodeEngineDependencyMissing ErrorCode = "engine_dependency_missing"
	ErrCodeArchiveTooLarge         ErrorCode = "archive_too_large"
	ErrCodeTooManyEntries          ErrorCode = "too_many_entries"
	ErrCodeFileTooLarge            ErrorCode = "file_too_large"
	ErrCodeInvalidArchive          ErrorCode = "invalid_archive"
	ErrCodePathNotAllowed          ErrorCode = "path_not_allowed"

	ErrCodeDestinationExists ErrorCode = "destination_exists"
	ErrCodeInvalidQuery      ErrorCode = "invalid_query"

	ErrCodeNotFound ErrorCode = "not_found"
	ErrCodeInternal ErrorCode = "internal"
)

// ServiceError is a structured error carrying an HTTP status and a stable
// code, rendered by internal/httpapi/problem.go as Problem Details.
type ServiceError struct {
	Code       ErrorCode
	Title      string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Title, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Title)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetail attaches one detail key/value, returning e for chaining.
func (e *ServiceError) WithDetail(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code ErrorCode, title string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Title: title, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError wrapping an existing error.
func Wrap(code ErrorCode, title string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Title: title, HTTPStatus: httpStatus, Err: err}
}

// As extracts a *ServiceError from err's chain, if present.
func As(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Constructors, one per error-taxonomy entry.

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func CSRFMismatch(message string) *ServiceError {
	return New(ErrCodeCSRFMismatch, message, http.StatusForbidden)
}

func PermissionDenied(message string) *ServiceError {
	return New(ErrCodePermissionDenied, message, http.StatusForbidden)
}

func PreconditionRequired(message string) *ServiceError {
	return New(ErrCodePreconditionRequired, message, http.StatusPreconditionRequired)
}

func PreconditionFailed(currentETag string) *ServiceError {
	return New(ErrCodePreconditionFailed, "ETag precondition failed", http.StatusPreconditionFailed).
		WithDetail("current_etag", currentETag)
}

func ConfigurationNotEditable(configurationID, status string) *ServiceError {
	return New(ErrCodeConfigurationNotEditable, "configuration is not editable", http.StatusConflict).
		WithDetail("configuration_id", configurationID).
		WithDetail("status", status)
}

func ActiveConfigurationConflict(workspaceID, name string) *ServiceError {
	return New(ErrCodeActiveConfigurationConflict, "workspace already has an active configuration of this name", http.StatusConflict).
		WithDetail("workspace_id", workspaceID).
		WithDetail("name", name)
}

func PublishConflict(workspaceID, name string) *ServiceError {
	return New(ErrCodePublishConflict, "a concurrent publish raced this one", http.StatusConflict).
		WithDetail("workspace_id", workspaceID).
		WithDetail("name", name)
}

func InvalidSourceShape(issues any) *ServiceError {
	return New(ErrCodeInvalidSourceShape, "configuration source tree failed validation", http.StatusUnprocessableEntity).
		WithDetail("issues", issues)
}

func EngineDependencyMissing(message string) *ServiceError {
	return New(ErrCodeEngineDependencyMissing, message, http.StatusUnprocessableEntity)
}

func ArchiveTooLarge(limitBytes int64) *ServiceError {
	return New(ErrCodeArchiveTooLarge, "archive exceeds the configured size limit", http.StatusRequestEntityTooLarge).
		WithDetail("limit_bytes", limitBytes)
}

func TooManyEntries(limit int) *ServiceError {
	return New(ErrCodeTooManyEntries, "archive has too many entries", http.StatusBadRequest).
		WithDetail("limit", limit)
}

func FileTooLarge(limitBytes int64) *ServiceError {
	return New(ErrCodeFileTooLarge, "file exceeds the configured size limit", http.StatusRequestEntityTooLarge).
		WithDetail("limit_bytes", limitBytes)
}

func InvalidArchive(message string) *ServiceError {
	return New(ErrCodeInvalidArchive, message, http.StatusBadRequest)
}

func PathNotAllowed(path string) *ServiceError {
	return New(ErrCodePathNotAllowed, "path escapes its declared root", http.StatusBadRequest).
		WithDetail("path", path)
}

func DestinationExists(path string) *ServiceError {
	return New(ErrCodeDestinationExists, "destination already exists", http.StatusConflict).
		WithDetail("path", path)
}

func InvalidQuery(message string) *ServiceError {
	return New(ErrCodeInvalidQuery, message, http.StatusBadRequest)
}

func NotFound(kind, id string) *ServiceError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", kind), http.StatusNotFound).
		WithDetail("id", id)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}
