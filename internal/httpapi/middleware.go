package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/models"
)

type contextKey int

const requestIDKey contextKey = iota

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID stamps every request with an opaque ID, reused from an
// inbound X-Request-Id header when present so a load balancer's ID
// survives into the Problem Details body.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer turns a panic in a downstream handler into a 500 Problem
// Details response instead of crashing the server.
func recoverer(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(r.Context()).WithField("panic", rec).Error("panic recovered in handler")
					writeProblem(w, r, log, apierr.Internal("internal server error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLog logs method/path/status/duration at debug level after a
// request completes.
func requestLog(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.WithContext(r.Context()).WithFields(map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(started).String(),
			}).Debug("request completed")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request count and duration against the chi
// route pattern rather than the raw path, so templated IDs don't blow up
// cardinality.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			started := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(started))
		})
	}
}

// APIKeyLookup is narrowed from internal/store.Store so the middleware
// doesn't need the whole store surface.
type APIKeyLookup interface {
	authn.APIKeyLookup
}

// SessionLookup resolves a session ID (from the session JWT's claims) to
// its revocation status.
type SessionLookup interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// UserLookup fetches the user a verified session claims to belong to.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// authenticate accepts either a bearer API key (Authorization: Bearer
// ade_<prefix>.<secret>) or a session cookie + CSRF header, and stashes the
// resulting Principal in the request context.
func authenticate(issuer *authn.TokenIssuer, cache *authn.PrincipalCache, keys APIKeyLookup, sessions SessionLookup, users UserLookup, cookieName, csrfHeaderName string, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now().UTC()

			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				raw := strings.TrimPrefix(bearer, "Bearer ")
				if p, ok := cache.Get(raw, now); ok {
					next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
					return
				}
				p, err := authn.AuthenticateAPIKey(r.Context(), keys, raw, now)
				if err != nil {
					writeProblem(w, r, log, apierr.Unauthorized("invalid API key"))
					return
				}
				cache.Put(raw, p, now)
				next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
				return
			}

			cookie, err := r.Cookie(cookieName)
			if err != nil {
				writeProblem(w, r, log, apierr.Unauthorized("missing credentials"))
				return
			}
			if p, ok := cache.Get(cookie.Value, now); ok {
				if isMutating(r.Method) {
					if err := authn.CheckCSRF(r.Header.Get(csrfHeaderName), cookie.Value); err != nil {
						writeProblem(w, r, log, apierr.CSRFMismatch("CSRF token missing or mismatched"))
						return
					}
				}
				next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
				return
			}
			claims, err := issuer.VerifySession(cookie.Value)
			if err != nil {
				writeProblem(w, r, log, apierr.Unauthorized("invalid or expired session"))
				return
			}
			revoked, err := sessions.IsRevoked(r.Context(), claims.SessionID)
			if err != nil {
				writeProblem(w, r, log, apierr.Internal("session revocation check failed", err))
				return
			}
			if revoked {
				writeProblem(w, r, log, apierr.Unauthorized("session revoked"))
				return
			}

			if isMutating(r.Method) {
				if err := authn.CheckCSRF(r.Header.Get(csrfHeaderName), cookie.Value); err != nil {
					writeProblem(w, r, log, apierr.CSRFMismatch("CSRF token missing or mismatched"))
					return
				}
			}

			user, err := users.GetUser(r.Context(), claims.UserID)
			if err != nil {
				writeProblem(w, r, log, apierr.Unauthorized("session refers to an unknown user"))
				return
			}
			p := &authn.Principal{
				Credentials: authn.CredentialSession,
				SessionID:   claims.SessionID,
				User:        user,
			}
			cache.Put(cookie.Value, p, now)
			next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
		})
	}
}

// authnPrincipalKey returns a stable identity string for the request's
// principal, used by the rate limiter; empty if unauthenticated.
func authnPrincipalKey(r *http.Request) string {
	p, ok := authn.FromContext(r.Context())
	if !ok {
		return ""
	}
	if p.APIKeyID != "" {
		return "apikey:" + p.APIKeyID
	}
	if p.User != nil {
		return "user:" + p.User.ID
	}
	return "session:" + p.SessionID
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
