package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestServiceErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "without underlying error",
			err:  New(ErrCodeUnauthorized, "test message", http.StatusUnauthorized),
			want: "[unauthorized] test message",
		},
		{
			name: "with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[internal] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceErrorWithDetail(t *testing.T) {
	err := New(ErrCodeInvalidArchive, "test", http.StatusBadRequest)
	err.WithDetail("field", "username").WithDetail("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}
}

func TestAs(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{name: "service error", err: serviceErr, want: serviceErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "wrapped service error", err: fmt.Errorf("context: %w", serviceErr), want: serviceErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := As(tt.err); got != tt.want {
				t.Errorf("As() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreconditionFailed(t *testing.T) {
	err := PreconditionFailed("sha256:abc")

	if err.Code != ErrCodePreconditionFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePreconditionFailed)
	}
	if err.HTTPStatus != http.StatusPreconditionFailed {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusPreconditionFailed)
	}
	if err.Details["current_etag"] != "sha256:abc" {
		t.Errorf("Details[current_etag] = %v, want sha256:abc", err.Details["current_etag"])
	}
}

func TestConfigurationNotEditable(t *testing.T) {
	err := ConfigurationNotEditable("cfg-1", "archived")

	if err.Code != ErrCodeConfigurationNotEditable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigurationNotEditable)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
	if err.Details["status"] != "archived" {
		t.Errorf("Details[status] = %v, want archived", err.Details["status"])
	}
}

func TestArchiveTooLarge(t *testing.T) {
	err := ArchiveTooLarge(1024)

	if err.Code != ErrCodeArchiveTooLarge {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeArchiveTooLarge)
	}
	if err.HTTPStatus != http.StatusRequestEntityTooLarge {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusRequestEntityTooLarge)
	}
	if err.Details["limit_bytes"] != int64(1024) {
		t.Errorf("Details[limit_bytes] = %v, want 1024", err.Details["limit_bytes"])
	}
}

func TestPathNotAllowed(t *testing.T) {
	err := PathNotAllowed("../escape")

	if err.Code != ErrCodePathNotAllowed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePathNotAllowed)
	}
	if err.Details["path"] != "../escape" {
		t.Errorf("Details[path] = %v, want ../escape", err.Details["path"])
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("run", "run-1")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["id"] != "run-1" {
		t.Errorf("Details[id] = %v, want run-1", err.Details["id"])
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("database connection failed")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}
