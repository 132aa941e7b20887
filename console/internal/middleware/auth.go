package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"drone-surveillance-console/shared/authx"
	"drone-surveillance-console/shared/httpx"
	"drone-surveillance-console/shared/logx"
)

type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (authx.AuthContext, error)
}

// AuthMiddleware resolves the operator behind a request. Rejections carry an
// RFC 6750 WWW-Authenticate challenge.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Logger   logx.Logger
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		raw, found := bearerToken(r)
		if !found {
			w.Header().Set("WWW-Authenticate", `Bearer realm="console"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), raw)
		if err != nil {
			m.Logger.Debug(r.Context(), "auth_rejected", "bearer token rejected",
				slog.String("error_code", "UNAUTHENTICATED"),
				slog.String("error", err.Error()),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="console", error="invalid_token"`)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so upgrades may pass access_token in the query.
func bearerToken(r *http.Request) (string, bool) {
	if scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if httpx.IsWebSocketUpgrade(r) {
		token := strings.TrimSpace(r.URL.Query().Get("access_token"))
		return token, token != ""
	}
	return "", false
}

// RoleMiddleware requires RoleOperator for commands. Reads need any verified
// identity, which AuthMiddleware has already established.
type RoleMiddleware struct {
	Role string
	Skip func(*http.Request) bool
}

func (m RoleMiddleware) Wrap(next http.Handler) http.Handler {
	role := m.Role
	if role == "" {
		role = authx.RoleOperator
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (m.Skip != nil && m.Skip(r)) || !isCommand(r) {
			next.ServeHTTP(w, r)
			return
		}
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		if !auth.HasRole(role) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "operator role required", map[string]string{"role": role})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isCommand(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
