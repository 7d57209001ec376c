package interceptors

import (
	"context"
	"strings"

	"github.com/Dhoini/credit-ledger/internal/middleware" // Используем тот же пакет для ключа и валидатора
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type AuthInterceptor struct {
	log       *logger.Logger
	validator middleware.TokenValidator
	scopes    []string
}

// NewAuthInterceptor проверяет JWT и требует одну из областей scopes.
func NewAuthInterceptor(log *logger.Logger, validator middleware.TokenValidator, scopes ...string) *AuthInterceptor {
	return &AuthInterceptor{
		log:       log,
		validator: validator,
		scopes:    scopes,
	}
}

// Unary возвращает UnaryServerInterceptor для проверки JWT.
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			i.log.Warnw("gRPC auth: missing metadata", "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			i.log.Warnw("gRPC auth: missing authorization header", "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
		}

		// Ожидаем "Bearer <token>"
		authHeader := authHeaders[0]
		if !strings.HasPrefix(authHeader, "Bearer ") {
			i.log.Warnw("gRPC auth: invalid authorization header format", "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "invalid authorization header format")
		}

		claims, err := i.validator.Validate(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			i.log.Warnw("gRPC auth: invalid token", "method", info.FullMethod, "error", err)
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		if claims.Subject == "" {
			i.log.Warnw("gRPC auth: sub missing in token", "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "subject (sub) missing in token")
		}
		if !claims.HasAnyScope(i.scopes...) {
			i.log.Warnw("gRPC auth: insufficient scope", "method", info.FullMethod, "scope", claims.Scope)
			return nil, status.Errorf(codes.PermissionDenied, "insufficient token permissions")
		}

		newCtx := context.WithValue(ctx, middleware.ContextAccountIDKey, claims.Subject)
		newCtx = context.WithValue(newCtx, middleware.ContextScopesKey, claims.Scopes())
		i.log.Debugw("Authenticated via gRPC", "subject", claims.Subject, "method", info.FullMethod)
		return handler(newCtx, req)
	}
}
