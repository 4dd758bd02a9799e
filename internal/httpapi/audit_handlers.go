package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/session"
	"ssohub.org/internal/stream"
)

type auditLoginRequest struct {
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email"`
	TenantID      string `json:"tenant_id,omitempty"`
	Method        string `json:"login_method"`
	Success       bool   `json:"is_successful"`
	FailureReason string `json:"failure_reason,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

type auditLogoutRequest struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id,omitempty"`
}

type auditQueryResponse struct {
	Items []session.LoginAudit `json:"items"`
	AsOf  time.Time            `json:"as_of"`
}

// handleAuditLogin ingests a login event a tenant application observed
// locally. The tenant slug always comes from the verified signature, never
// from the body: a tenant cannot write another tenant's audit trail.
func (a *API) handleAuditLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auditLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantSlug := signedTenantFromContext(r.Context())
	if req.TenantID != "" && req.TenantID != tenantSlug {
		writeError(w, r, http.StatusForbidden, "tenant_id does not match signing tenant")
		return
	}

	method := session.LoginMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	if !session.ValidMethod(method) {
		writeError(w, r, http.StatusBadRequest, "login_method must be one of sso, direct, api")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	sessionID, err := a.sessions.RecordLogin(r.Context(), session.LoginEvent{
		UserID:        req.UserID,
		Email:         req.Email,
		TenantSlug:    tenantSlug,
		Method:        method,
		Success:       req.Success,
		FailureReason: req.FailureReason,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		SessionID:     req.SessionID,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to record login")
		return
	}

	result := "success"
	evtType := stream.TypeLogin
	if !req.Success {
		result = "failure"
		evtType = stream.TypeLoginFailed
	}
	obs.ObserveLogin(tenantSlug, string(method), result)
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:       evtType,
			TenantSlug: tenantSlug,
			UserID:     req.UserID,
			Email:      req.Email,
			Method:     string(method),
			SessionID:  sessionID,
			Reason:     req.FailureReason,
		})
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"recorded":   true,
		"session_id": sessionID,
	})
}

func (a *API) handleAuditLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auditLogoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.TenantID != "" && req.TenantID != signedTenantFromContext(r.Context()) {
		writeError(w, r, http.StatusForbidden, "tenant_id does not match signing tenant")
		return
	}
	if err := a.sessions.RecordLogout(r.Context(), req.SessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to record logout")
		return
	}
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:       stream.TypeLogout,
			TenantSlug: signedTenantFromContext(r.Context()),
			SessionID:  req.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

// handleSessionResource serves GET /api/sessions/{id}: is the session still
// live from the authority's point of view.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	active, err := a.sessions.IsActive(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"active":     active,
	})
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewAudits) {
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := session.AuditFilter{
		TenantSlug: strings.TrimSpace(r.URL.Query().Get("tenant")),
		Method:     session.LoginMethod(strings.TrimSpace(r.URL.Query().Get("method"))),
		Limit:      limit,
	}
	if filter.Method != "" && !session.ValidMethod(filter.Method) {
		writeError(w, r, http.StatusBadRequest, "method must be one of sso, direct, api")
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("success")); raw != "" {
		v := raw == "true"
		if raw != "true" && raw != "false" {
			writeError(w, r, http.StatusBadRequest, "success must be true or false")
			return
		}
		filter.Success = &v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = ts
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = ts
	}

	items, err := a.sessions.Audits(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, auditQueryResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

// StreamEvents handles Server-Sent Events for live session monitoring.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewAudits) {
		return
	}
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
