package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware validates the operator bearer token against the configured
// bcrypt hash. With no hash configured the middleware is a no-op.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.APITokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				s.logger.Warn("auth failed: missing bearer token", "path", r.URL.Path)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(s.config.APITokenHash), []byte(token)); err != nil {
				s.logger.Warn("auth failed: bad token", "path", r.URL.Path)
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler applies middleware to a HandlerFunc for use with mux.HandleFunc.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
