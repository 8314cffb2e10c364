// Package adminapi mounts the gateway's admin/ops HTTP surface onto
// the L7 listener: stats, history, live config, backend CRUD, audit
// log tailing, a combined diagnose endpoint, and the ACME HTTP-01
// challenge file server. Grounded on the teacher's router.NewRouter —
// the same middleware chain order (CORS, security headers, request
// ID, panic recovery, request logger, body-size cap) mounted here
// over chi.Router, retargeted from the teacher's LLM-proxy routes to
// the admin endpoints spec.md's external-interfaces table names.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/acl"
	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/history"
	"github.com/relayforge/gatewaycore/internal/metrics"
)

// Deps bundles every subsystem admin handlers read from or mutate.
type Deps struct {
	Registry *backend.Registry
	Metrics  *metrics.Registry
	History  *history.Store
	Audit    *history.AuditLogger
	ACL      *acl.ACL
	Logger   zerolog.Logger

	// ACMEChallengeDir, when non-empty, serves files under it at
	// /.well-known/acme-challenge/<token>.
	ACMEChallengeDir string

	// ConfigDump returns the current live configuration as
	// section->key->value, used to render /admin/config.
	ConfigDump func() map[string]map[string]string
	// ConfigApply applies one admin-pushed update; returns an error for
	// unknown section/key pairs, whose message is copied verbatim into
	// the response body's errors list.
	ConfigApply  func(section, key, value string) error
	ConfigDelete func(section, key string) error
}

// NewRouter builds the admin chi.Router with the teacher's middleware
// ordering: CORS first (so preflight succeeds), then security
// headers, request ID, panic recovery, request logging, and finally
// a body-size cap before any route handler runs.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware([]string{"*"}))
	r.Use(securityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(aclMiddleware(d.ACL))
	r.Use(mwMaxBodySize(64 * 1024))

	h := &handlers{d: d}

	r.Get("/stats", h.stats)
	r.Get("/history", h.historyPoints)
	r.Get("/history/summary", h.historySummary)
	if d.Metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { d.Metrics.Handler().ServeHTTP(w, r) })
	}

	r.Route("/admin", func(r chi.Router) {
		r.Get("/config", h.configGet)
		r.Post("/config", h.configPost)
		r.Post("/backend_metrics", h.backendMetrics)
		r.Post("/backend_model", h.backendModel)
		r.Post("/backend_register", h.backendRegister)
		r.Post("/backend_remove", h.backendRemove)
		r.Post("/backend_online", h.backendOnline)
		r.Post("/backend_weight", h.backendWeight)
		r.Get("/logs", h.logs)
		r.Get("/diagnose", h.diagnose)
	})

	r.Get("/.well-known/acme-challenge/{token}", h.acmeChallenge)

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("admin request completed")
		})
	}
}
