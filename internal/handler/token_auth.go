package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken gates a handler behind the configured bearer token. With
// no token configured the gate is open.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else if key := r.Header.Get("x-api-key"); key != "" {
			token = key
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing api key")
			return
		}
		next(w, r)
	}
}
