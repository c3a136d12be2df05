package apikeys

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const validationContextKey contextKey = "api_key_validation"

// ValidationFromContext retrieves the authenticated validation result
// from the request context.
func ValidationFromContext(ctx context.Context) (ValidationResult, bool) {
	v, ok := ctx.Value(validationContextKey).(ValidationResult)
	return v, ok
}

// AuthMiddleware returns a chi-compatible middleware that validates the
// Bearer key against the manager and stores the result in the request
// context. The X-Business-Unit header, when set, is validated against
// the key's allowed set.
func AuthMiddleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_api_key")
				return
			}

			key := strings.TrimPrefix(auth, "Bearer ")
			result := m.ValidateKey(key, r.Header.Get("X-Business-Unit"), clientIP(r))
			if !result.Valid {
				writeError(w, http.StatusUnauthorized, result.Reason, "authentication_error", "invalid_api_key")
				return
			}

			ctx := context.WithValue(r.Context(), validationContextKey, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns a middleware that only admits the admin key.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, ok := ValidationFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			if !v.IsAdmin {
				writeError(w, http.StatusForbidden, "admin key required", "permission_error", "admin_required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission returns a middleware admitting only service accounts
// holding at least one of the given permissions. The admin key always
// passes.
func RequirePermission(permissions ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, ok := ValidationFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			if v.IsAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, required := range permissions {
				for _, granted := range v.ServicePermissions {
					if granted == required {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_permission")
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError writes a unified JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
