package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"ssohub.org/internal/obs"
	"ssohub.org/internal/signing"
)

// requireSigned authenticates tenant-to-authority calls with the HMAC
// request signature. The verified tenant slug ends up in the request
// context; handlers must scope everything they do to it.
func (a *API) requireSigned(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(signing.HeaderTenant))
		tsRaw := strings.TrimSpace(r.Header.Get(signing.HeaderTimestamp))
		sig := strings.TrimSpace(r.Header.Get(signing.HeaderSignature))
		if tenant == "" || tsRaw == "" || sig == "" {
			a.signatureFailure(w, r, tenant, "missing_header", "signature headers are required")
			return
		}

		ts, err := signing.ParseTimestamp(tsRaw)
		if err != nil {
			a.signatureFailure(w, r, tenant, "bad_timestamp", "invalid signature timestamp")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := a.signer.Verify(tenant, r.Method, r.URL.Path, body, ts, sig); err != nil {
			switch {
			case errors.Is(err, signing.ErrUnknownTenant):
				a.signatureFailure(w, r, tenant, "unknown_tenant", "unknown tenant")
			case errors.Is(err, signing.ErrStaleTimestamp):
				a.signatureFailure(w, r, tenant, "stale_timestamp", "signature timestamp outside tolerance")
			default:
				a.signatureFailure(w, r, tenant, "bad_signature", "signature mismatch")
			}
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeySignedTenant, tenant)
		next(w, r.WithContext(ctx))
	}
}

func (a *API) signatureFailure(w http.ResponseWriter, r *http.Request, tenant, reason, msg string) {
	obs.ObserveSignatureFailure(tenant, reason)
	obs.SecurityEvent("signature.rejected", map[string]any{
		"tenant":     tenant,
		"reason":     reason,
		"path":       r.URL.Path,
		"ip":         clientIP(r),
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeError(w, r, http.StatusUnauthorized, msg)
}

func signedTenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(ctxKeySignedTenant).(string)
	return tenant
}
