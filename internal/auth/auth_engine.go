// Package auth guards administrative endpoints.
package auth

import (
	"context"
	"log/slog"
	"net/http"
)

type User struct {
	Name string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns a User object; otherwise, it
	// returns nil. An error is returned if there was an issue processing
	// the authentication.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

// RequireAuthentication rejects requests the engine does not accept with
// 401 and a basic auth challenge. A nil engine lets every request through.
func RequireAuthentication(engine AuthEngine, realm string, next http.Handler) http.Handler {
	if engine == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := engine.AuthenticateRequest(r.Context(), r)
		if err != nil {
			slog.Warn("Authentication failed", "path", r.URL.Path, "err", err)
		}
		if user == nil || err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		slog.Debug("Authenticated request", "user", user.Name, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
