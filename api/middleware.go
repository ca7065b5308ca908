package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const actorIDKey contextKey = "actor-id"

// requireAuth validates the bearer token and stashes the authenticated user
// id in the request context for handlers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}

		userID, err := s.identity.VerifyToken(token)
		if err != nil {
			s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token", Code: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), actorIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorID returns the authenticated user id placed by requireAuth. Empty only
// on routes that skipped the middleware.
func actorID(ctx context.Context) string {
	id, _ := ctx.Value(actorIDKey).(string)
	return id
}
