package auth

import (
	"net/http"
	"strings"
)

// UnauthorizedWriter renders a 401 response.
type UnauthorizedWriter func(w http.ResponseWriter, r *http.Request, detail string)

// RequireCaller rejects requests without a valid caller token and injects
// the caller address into the context. A nil validator fails closed.
func RequireCaller(validator *Validator, deny UnauthorizedWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				deny(w, r, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				deny(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				deny(w, r, "Authentication not configured")
				return
			}
			caller, err := validator.Validate(parts[1])
			if err != nil {
				deny(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
