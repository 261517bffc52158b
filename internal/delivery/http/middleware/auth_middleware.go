package middleware

import (
	"context"
	"net/http"
	"strings"

	"clinic-reconciler/pkg/jwt"
	"clinic-reconciler/pkg/response"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	SubjectKey contextKey = "subject"
	ScopesKey  contextKey = "scopes"
	TokenIDKey contextKey = "token_id"

	// RedisRevokedTokenKeyPrefix marks operator tokens revoked before expiry.
	RedisRevokedTokenKeyPrefix = "revoked_token:"
)

type AuthMiddleware struct {
	jwtService  *jwt.JWTService
	redisClient *redis.Client
	log         *logrus.Logger
}

func NewAuthMiddleware(jwtService *jwt.JWTService, redisClient *redis.Client, log *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService:  jwtService,
		redisClient: redisClient,
		log:         log,
	}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			response.Fail(w, http.StatusUnauthorized, "Authorization header is required", nil)
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Fail(w, http.StatusUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			response.Fail(w, http.StatusUnauthorized, "Invalid or expired token", nil)
			return
		}

		// Revocation needs Redis; without it tokens live until they expire.
		if m.redisClient != nil {
			exists, err := m.redisClient.Exists(r.Context(), RedisRevokedTokenKeyPrefix+claims.TokenID).Result()
			if err != nil {
				m.log.Warnf("Failed to check token revocation: %+v", err)
				response.Fail(w, http.StatusInternalServerError, "Failed to validate token", nil)
				return
			}
			if exists > 0 {
				response.Fail(w, http.StatusUnauthorized, "Token has been revoked", nil)
				return
			}
		}

		ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
		ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)
		ctx = context.WithValue(ctx, TokenIDKey, claims.TokenID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubjectFromContext extracts the operator name from context
func GetSubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectKey).(string)
	return subject, ok
}

// GetScopesFromContext extracts granted scopes from context
func GetScopesFromContext(ctx context.Context) ([]jwt.Scope, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]jwt.Scope)
	return scopes, ok
}

// GetTokenIDFromContext extracts token ID from context
func GetTokenIDFromContext(ctx context.Context) (string, bool) {
	tokenID, ok := ctx.Value(TokenIDKey).(string)
	return tokenID, ok
}
