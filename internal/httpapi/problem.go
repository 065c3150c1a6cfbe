package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/logging"
)

// problem is an RFC 7807 Problem Details body.
type problem struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Status    int            `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Errors    map[string]any `json:"errors,omitempty"`
}

const problemContentType = "application/problem+json"

// writeProblem renders err as a Problem Details response, logging
// unexpected (non-ServiceError) errors as internal server errors.
func writeProblem(w http.ResponseWriter, r *http.Request, log *logging.Logger, err error) {
	se := apierr.As(err)
	if se == nil {
		var accessDenied *authn.AccessDeniedError
		switch {
		case errors.As(err, &accessDenied):
			se = apierr.PermissionDenied(accessDenied.Error())
		default:
			se = apierr.Internal("unexpected error", err)
		}
	}

	if se.HTTPStatus >= http.StatusInternalServerError {
		log.WithContext(r.Context()).WithField("code", se.Code).Error(se.Error())
	}

	body := problem{
		Type:      "https://ade.internal/problems/" + string(se.Code),
		Title:     se.Title,
		Status:    se.HTTPStatus,
		Instance:  r.URL.Path,
		RequestID: requestIDFromContext(r.Context()),
		Errors:    se.Details,
	}

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(se.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
