package core

import (
	"net/http"

	"formpost/internal/auth"
)

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", s.handleUpload)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.htm", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.Config.Metrics.Handler())
	mux.HandleFunc("GET /scans/{sha256}", s.handleScanLookup)

	shutdown := http.HandlerFunc(s.handleShutdown)
	mux.Handle("POST /shutdown", s.shutdownGuard(auth.RequireAuthentication(s.Config.Authenticator, "formpost", shutdown)))

	// Add middleware
	handler := SlashFix(mux)
	handler = Recoverer(handler)
	handler = LogRequest(handler)
	return handler
}

// shutdownGuard hides the endpoint entirely unless it is enabled, before
// any authentication challenge.
func (s *Server) shutdownGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Config.EnableShutdown {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
