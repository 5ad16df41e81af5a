package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"telecare/session-service/internal/store"
)

type authContextKey struct{}

func AuthMiddleware(st store.SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing auth token")
			return
		}
		session, err := st.GetUserSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrTokenNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired auth token")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		actor := store.Actor{UserID: session.UserID, Role: session.Role}
		ctx := context.WithValue(r.Context(), authContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (store.Actor, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return store.Actor{}, false
	}
	actor, ok := value.(store.Actor)
	return actor, ok
}

func tokenFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-Token"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
