package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/session"
	"ssohub.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/validate",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// Signed endpoints authenticate with the HMAC request signature instead of a
// bearer token.
var signedPrefixes = []string{
	"/api/audit/",
	"/api/sessions/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.tokens.Validate(raw, "")
		if err != nil {
			// An expired token may still be exchangeable: Refresh applies
			// the grace window itself, so it gets the raw token and
			// decides.
			if errors.Is(err, token.ErrTokenExpired) && r.URL.Path == "/auth/refresh" {
				ctx := context.WithValue(r.Context(), ctxKeyRawToken, raw)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			default:
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			}
			return
		}

		// Every authenticated request bumps session activity. A missing
		// session only means the liveness record expired; the token
		// itself still decides access.
		if claims.SessionID != "" {
			if err := a.sessions.Touch(r.Context(), claims.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
				obs.Warn("session touch failed", map[string]any{"session_id": claims.SessionID, "err": err.Error()})
			}
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		ctx = context.WithValue(ctx, ctxKeyRawToken, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims).(*token.Claims)
	return claims, ok
}

func rawTokenFromContext(ctx context.Context) string {
	raw, _ := ctx.Value(ctxKeyRawToken).(string)
	return raw
}

func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !identity.HasPermission(claims.Permissions, perm) {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range signedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	// Tenant SSO pages are where users go to log in; everything else
	// under /auth/ stays protected.
	if rest, ok := strings.CutPrefix(path, "/auth/"); ok {
		seg, _, _ := strings.Cut(rest, "/")
		switch seg {
		case "user", "refresh", "logout":
			return false
		}
		return true
	}
	return false
}
