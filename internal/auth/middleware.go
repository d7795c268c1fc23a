package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey struct{}

// WithPrincipal attaches the caller to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the caller attached by the middleware, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// Middleware authenticates requests and attaches the principal. With auth
// disabled every request passes as an anonymous caller so handlers never
// special-case the setting.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			p := &Principal{Name: "anonymous", Role: RoleAdmin, Method: "none"}
			if a.skip {
				p.Name = "dev"
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			p, err := a.ValidateKey(apiKey)
			if err != nil {
				http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			p, err := a.ValidateBearer(token)
			if err != nil {
				a.logger.Debug("Bearer token rejected", zap.Error(err))
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		// EventSource and browser WebSocket clients cannot set custom
		// headers, so stream endpoints accept the key as a query parameter.
		if isStreamPath(r.URL.Path) {
			if apiKey := r.URL.Query().Get("api_key"); apiKey != "" {
				p, err := a.ValidateKey(apiKey)
				if err != nil {
					http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}

		http.Error(w, `{"error":"credentials required"}`, http.StatusUnauthorized)
	})
}

func isStreamPath(path string) bool {
	return strings.HasSuffix(path, "/events") || strings.HasSuffix(path, "/ws")
}
