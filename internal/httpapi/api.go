// Package httpapi is the HTTP surface of the central authority: direct and
// SSO login, token validation, audit ingestion from tenant applications and
// the admin endpoints for tenants, roles and assignments.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/session"
	"ssohub.org/internal/signing"
	"ssohub.org/internal/stream"
	"ssohub.org/internal/token"
)

// ReadyProbe checks the backing stores before the service reports ready.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API wires handlers, middleware and domain services into one http.Handler.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store    identity.Store
	resolver *identity.Resolver
	tokens   *token.Service
	signer   *signing.Signer
	sessions *session.Coordinator
	stream   *stream.Stream

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

func New(rp ReadyProbe, version string, store identity.Store, tokens *token.Service, signer *signing.Signer, sessions *session.Coordinator, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		store:      store,
		resolver:   identity.NewResolver(store),
		tokens:     tokens,
		signer:     signer,
		sessions:   sessions,
		stream:     st,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// direct auth + token lifecycle
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/register", a.handleRegister)
	a.mux.HandleFunc("/auth/validate", a.requireSigned(a.handleValidate))
	a.mux.HandleFunc("/auth/user", a.handleUser)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	// tenant SSO pages: /auth/{tenant_slug}
	a.mux.HandleFunc("/auth/", a.handleTenantSSO)

	// tenant-originated audit ingestion
	a.mux.HandleFunc("/api/audit/login", a.requireSigned(a.handleAuditLogin))
	a.mux.HandleFunc("/api/audit/logout", a.requireSigned(a.handleAuditLogout))
	a.mux.HandleFunc("/api/sessions/", a.requireSigned(a.handleSessionResource))

	// admin + monitoring
	a.mux.HandleFunc("/api/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/api/events", a.StreamEvents)
	a.mux.HandleFunc("/api/tenants", a.handleTenants)
	a.mux.HandleFunc("/api/roles", a.handleRoles)
	a.mux.HandleFunc("/api/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/api/assignments", a.handleAssignments)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit tunes the per-IP limiter. Takes effect for handlers built
// after the call, so configure before Handler.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = obs.Instrument(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ssohub-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
