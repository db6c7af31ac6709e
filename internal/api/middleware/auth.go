package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const (
	PlayerIDKey contextKey = "playerID"

	ServiceKeyHeader = "X-Service-Key"
)

// Auth requires a player bearer token and stores the player id in the request context
func Auth(tokens *service.TokenService, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				log.Debug().Str("path", r.URL.Path).Msg("invalid authorization header format")
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateToken(parts[1])
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), PlayerIDKey, claims.PlayerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKey guards admin and collaborator routes with a shared key whose
// bcrypt hash is configured on the server
func ServiceKey(hash string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(ServiceKeyHeader)
			if key == "" {
				http.Error(w, "Service key required", http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("rejected service key")
				http.Error(w, "Invalid service key", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func GetPlayerID(ctx context.Context) (uuid.UUID, bool) {
	playerID, ok := ctx.Value(PlayerIDKey).(uuid.UUID)
	return playerID, ok
}
