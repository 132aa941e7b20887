package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSMiddleware lets the operator UI call the console from its own origin.
// An allowed origin may be exact, "*", or a subdomain pattern such as
// "https://*.ops.example".
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           time.Duration
	Skip             func(*http.Request) bool
}

var (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID"
	corsExpose  = "X-Request-ID, Retry-After"
)

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := origin != "" && m.originAllowed(origin)
		if allowed {
			h := w.Header()
			h.Add("Vary", "Origin")
			if m.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			} else if m.wildcard() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Expose-Headers", corsExpose)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				if secs := int(m.MaxAge / time.Second); secs > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(secs))
				}
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m CORSMiddleware) wildcard() bool {
	if len(m.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range m.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func (m CORSMiddleware) originAllowed(origin string) bool {
	if m.wildcard() {
		return true
	}
	for _, pattern := range m.AllowedOrigins {
		if matchOrigin(strings.TrimSpace(pattern), origin) {
			return true
		}
	}
	return false
}

// matchOrigin compares scheme://host[:port] case-insensitively. A "*." label
// in the pattern matches one or more subdomain labels.
func matchOrigin(pattern string, origin string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	origin = strings.ToLower(origin)
	prefix, suffix, ok := strings.Cut(pattern, "*.")
	if !ok {
		return pattern == origin
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, "."+suffix) {
		return false
	}
	sub := strings.TrimSuffix(strings.TrimPrefix(origin, prefix), "."+suffix)
	return sub != "" && !strings.ContainsAny(sub, "/:")
}
