package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/Dhoini/credit-ledger/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextAccountIDKey id аккаунта из sub (используется HTTP middleware и gRPC interceptor).
	ContextAccountIDKey ContextKey = "accountID"
	// ContextScopesKey области доступа токена
	ContextScopesKey ContextKey = "scopes"
	authHeaderPrefix            = "Bearer "
)

// Области доступа токенов
const (
	ScopeUser     = "user"
	ScopePipeline = "pipeline"
	ScopeAdmin    = "admin"
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims scope может содержать несколько значений через пробел.
type TokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes области доступа токена
func (c *TokenClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasAnyScope true, если у токена есть хотя бы одна из областей; пустой список разрешает всё.
func (c *TokenClaims) HasAnyScope(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range c.Scopes() {
		for _, want := range required {
			if have == want {
				return true
			}
		}
	}
	return false
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireAuth проверяет Bearer-токен и одну из областей requiredScopes.
func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, authHeaderPrefix)
		claims, err := m.validator.Validate(tokenString)
		if err != nil {
			m.handleAuthError(c, http.StatusUnauthorized, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		if claims.Subject == "" {
			m.handleAuthError(c, http.StatusUnauthorized, "Account ID (sub) missing in token")
			return
		}

		if !claims.HasAnyScope(requiredScopes...) {
			m.handleAuthError(c, http.StatusForbidden, "Insufficient token permissions")
			return
		}

		c.Set(string(ContextAccountIDKey), claims.Subject)
		c.Set(string(ContextScopesKey), claims.Scopes())
		m.log.Debugw("Request authenticated", "accountID", claims.Subject, "path", c.Request.URL.Path)
		c.Next()
	}
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, status int, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: status,
	}, status)
	c.Abort()
}

// AccountID id аккаунта, установленный RequireAuth.
func AccountID(c *gin.Context) string {
	return c.GetString(string(ContextAccountIDKey))
}

// AccountIDFromContext id аккаунта, установленный gRPC interceptor.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextAccountIDKey).(string)
	return id, ok && id != ""
}

// DefaultTokenValidator - реализация валидатора по умолчанию (HMAC).
type DefaultTokenValidator struct {
	Secret []byte
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, errors.New("malformed token")
		} else if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, errors.New("invalid token signature")
		} else if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, errors.New("token expired")
		} else {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// IssueToken подписывает токен для аккаунта (ledgerctl и тесты).
func IssueToken(secret []byte, subject string, ttl time.Duration, scopes ...string) (string, error) {
	claims := TokenClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
