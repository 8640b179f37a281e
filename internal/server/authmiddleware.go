package server

import (
	"net/http"

	"github.com/tjfontaine/autonomic-gateway/internal/auth"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// AdminKeyMiddleware rejects requests without a valid admin key. With no key
// configured every request is rejected, so admin routes stay closed by
// default.
func AdminKeyMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := auth.ExtractAPIKey(r)
			if err == nil {
				err = authenticator.Validate(key)
			}
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, r, domain.ErrUnauthorized("admin key required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
