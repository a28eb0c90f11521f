package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const userIDKey ctxKey = requestIDKey + 1

// JWTAuth validates the HS256 bearer token the auth service issues and
// puts the subject claim (the user id) on the request context. The token
// comes from the Authorization header, or from a `token` query parameter
// for WebSocket clients that cannot set headers.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				writeAuthError(w, "missing bearer token")
				return
			}

			parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, errors.New("invalid signing method")
				}
				return key, nil
			})
			if err != nil || !parsed.Valid {
				log.Printf("[%s] rejected token: %v", GetRequestID(r.Context()), err)
				writeAuthError(w, "invalid or expired token")
				return
			}

			claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
			if !ok || claims.Subject == "" {
				writeAuthError(w, "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id from context.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "AUTHORIZATION_REQUIRED",
		"message": message,
	})
}
