package middleware

import (
	"context"
	"net/http"
	"strings"

	"finlink/internal/shared/auth"
)

type ContextKey string

const (
	CompanyIDKey ContextKey = "company_id"
	TenantIDKey  ContextKey = "openi_tenant_id"
	SubjectKey   ContextKey = "subject"
)

// Auth validates the bearer token and stores its claims in the request
// context. EventSource clients cannot set headers, so an access_token query
// parameter is accepted for GET requests.
func Auth(jwt *auth.JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jwt.Validate(token)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CompanyIDKey, claims.CompanyID)
			ctx = context.WithValue(ctx, TenantIDKey, claims.TenantID)
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || scheme != "Bearer" || token == "" {
			return "", false
		}
		return token, true
	}
	if r.Method == http.MethodGet {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// CompanyID returns the authenticated company.
func CompanyID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(CompanyIDKey).(string)
	return id, ok && id != ""
}

// TenantID returns the banking tenant from the token, if any.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(TenantIDKey).(string)
	return id
}
