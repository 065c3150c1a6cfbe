// Package httpapi is the control-plane's HTTP surface: session/API-key
// authentication, RBAC, ETag-checked configuration file CRUD, document
// upload, and run submission/inspection.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/blob"
	"github.com/ade-run/ade/internal/configstore"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/store"
)

// Server wires the data-access, auth, and storage layers into a chi router.
type Server struct {
	store      *store.Store
	configs    *configstore.Store
	blobs      blob.Store
	paths      *pathsafe.Manager
	issuer     *authn.TokenIssuer
	cache      *authn.PrincipalCache
	revocation *authn.RevocationStore
	limiter    *RateLimiter
	log        *logging.Logger
	metrics    *metrics.Metrics

	sessionCookieName string
	csrfHeaderName    string
	sessionTTL        time.Duration
	maxImportBytes    int64
	maxUploadBytes    int64
	engineSpec        string
	metricsPath       string
	metricsEnabled    bool
}

// Deps carries Server's collaborators, assembled by cmd/apiserver.
type Deps struct {
	Store          *store.Store
	Configs        *configstore.Store
	Blobs          blob.Store
	Paths          *pathsafe.Manager
	Issuer         *authn.TokenIssuer
	Cache          *authn.PrincipalCache
	Revocation     *authn.RevocationStore
	Redis          *redis.Client
	Log            *logging.Logger
	Metrics        *metrics.Metrics
	SessionCookie  string
	CSRFHeader     string
	SessionTTL     time.Duration
	MaxImportBytes int64
	MaxUploadBytes int64
	EngineSpec     string
	RateLimit      int
	RateWindow     time.Duration
	MetricsEnabled bool
	MetricsPath    string
}

// NewServer builds a Server from Deps, defaulting anything the caller left
// zero.
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logging.NewDefault()
	}
	if d.SessionCookie == "" {
		d.SessionCookie = "ade_session"
	}
	if d.CSRFHeader == "" {
		d.CSRFHeader = "X-CSRF-Token"
	}
	if d.SessionTTL == 0 {
		d.SessionTTL = 7 * 24 * time.Hour
	}
	if d.MaxImportBytes == 0 {
		d.MaxImportBytes = 64 << 20
	}
	if d.MaxUploadBytes == 0 {
		d.MaxUploadBytes = 256 << 20
	}
	if d.EngineSpec == "" {
		d.EngineSpec = "apps/ade-engine"
	}
	if d.RateLimit == 0 {
		d.RateLimit = 600
	}
	if d.RateWindow == 0 {
		d.RateWindow = time.Minute
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}

	return &Server{
		store:             d.Store,
		configs:           d.Configs,
		blobs:             d.Blobs,
		paths:             d.Paths,
		issuer:            d.Issuer,
		cache:             d.Cache,
		revocation:        d.Revocation,
		limiter:           NewRateLimiter(d.Redis, d.RateLimit, d.RateWindow),
		log:               d.Log,
		metrics:           d.Metrics,
		sessionCookieName: d.SessionCookie,
		csrfHeaderName:    d.CSRFHeader,
		sessionTTL:        d.SessionTTL,
		maxImportBytes:    d.MaxImportBytes,
		maxUploadBytes:    d.MaxUploadBytes,
		engineSpec:        d.EngineSpec,
		metricsPath:       d.MetricsPath,
		metricsEnabled:    d.MetricsEnabled,
	}
}

// Router builds the full chi.Router for the control-plane API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(recoverer(s.log))
	r.Use(requestLog(s.log))
	r.Use(metricsMiddleware(s.metrics))
	r.Use(s.limiter.Middleware(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.metricsEnabled {
		r.Handle(s.metricsPath, promhttp.Handler())
	}

	r.Route("/v1/workspaces/{ws}", func(r chi.Router) {
		r.Use(authenticate(s.issuer, s.cache, s.store, s.revocation, s.store, s.sessionCookieName, s.csrfHeaderName, s.log))
		r.Use(s.requireWorkspaceMember)

		r.Route("/configurations", func(r chi.Router) {
			r.Post("/", s.handleCreateConfiguration)
			r.Post("/import", s.handleImportConfiguration)
			r.Post("/{id}/validate", s.handleValidateConfiguration)
			r.Post("/{id}/publish", s.handlePublishConfiguration)
			r.Get("/{id}", s.handleGetConfiguration)
			r.Get("/", s.handleListConfigurations)
			r.Get("/{id}/export", s.handleExportConfiguration)
			r.Post("/{id}/rename", s.handleRenameConfigFile)
			r.Get("/{id}/files", s.handleListConfigFiles)
			r.Put("/{id}/files/*", s.handlePutConfigFile)
			r.Get("/{id}/files/*", s.handleGetConfigFile)
			r.Delete("/{id}/files/*", s.handleDeleteConfigFile)
			r.Post("/{id}/directories/*", s.handleCreateConfigDirectory)
			r.Delete("/{id}/directories/*", s.handleDeleteConfigDirectory)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleUploadDocument)
			r.Get("/", s.handleListDocuments)
			r.Get("/{id}", s.handleGetDocument)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleSubmitRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Post("/{id}/cancel", s.handleCancelRun)
			r.Get("/{id}/events/stream", s.handleStreamRunEvents)
		})
	})

	return r
}
