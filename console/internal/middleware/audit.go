package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"drone-surveillance-console/console/internal/repos"
	"drone-surveillance-console/shared/authx"
	"drone-surveillance-console/shared/httpx"
	"drone-surveillance-console/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []repos.AuditEntry) error
}

// AuditMiddleware records every mutating operator request and every auth
// failure. Rows are written after the response, off the request goroutine.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (m.Skip != nil && m.Skip(r)) || httpx.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		if !shouldAudit(r, sw.statusCode) {
			return
		}

		resourceType, resourceID, command := resourceFromPath(r.URL.Path)
		entry := repos.AuditEntry{
			OccurredAt:   time.Now().UTC(),
			Action:       actionForRequest(r, sw.statusCode, command),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   sw.statusCode,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
			Details:      auditDetails(sw.statusCode),
		}
		if auth, ok := authx.FromContext(r.Context()); ok {
			entry.Subject = auth.Subject
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []repos.AuditEntry{entry}); err != nil {
				m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func actionForRequest(r *http.Request, statusCode int, command string) string {
	if statusCode == http.StatusUnauthorized {
		return "auth_failed"
	}
	if command != "" {
		return command
	}
	switch r.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func auditDetails(statusCode int) []byte {
	b, err := json.Marshal(map[string]any{
		"status_code": statusCode,
		"outcome":     outcome(statusCode),
	})
	if err != nil {
		return nil
	}
	return b
}

func outcome(statusCode int) string {
	switch {
	case statusCode < 400:
		return "ok"
	case statusCode < 500:
		return "rejected"
	default:
		return "failed"
	}
}

// resourceFromPath maps /api/v1/<resource>[/<id>][/<verb>] onto the audit
// columns. Modal and patrol routes carry the command as their last segment.
func resourceFromPath(path string) (resourceType string, resourceID string, command string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return "", "", ""
	}
	resourceType = parts[2]
	rest := parts[3:]
	switch resourceType {
	case "modal", "patrol":
		if len(rest) > 0 {
			command = rest[len(rest)-1]
		}
		return resourceType, "", command
	case "alerts":
		if len(rest) > 0 && rest[0] == "reload" {
			return resourceType, "", "reload"
		}
	}
	if len(rest) > 0 {
		resourceID = strings.TrimSpace(rest[0])
	}
	if len(rest) > 1 {
		command = rest[len(rest)-1]
	}
	return resourceType, resourceID, command
}
