package interceptor

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ogurasousui/staff-provisioning/internal/platform/config"
)

const (
	authorizationHeader = "authorization"
	// actorHeader は認証無効時に操作者 ID を受け取るメタデータです。
	actorHeader = "x-actor-id"

	healthServicePrefix = "/grpc.health.v1.Health/"
)

var errMissingBearer = errors.New("missing bearer token")

type actorContextKey struct{}

// ContextWithActor は操作者 ID をコンテキストへ格納します。
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext は認証済みの操作者 ID を取り出します。
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}

type accessClaims struct {
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
	jwt.RegisteredClaims
}

// Authenticator は IdP が発行した RS256 のアクセストークンを検証し、sub を操作者 ID とします。
type Authenticator struct {
	enabled      bool
	key          *rsa.PublicKey
	issuer       string
	clientID     string
	requiredRole string
}

// NewAuthenticator は auth 設定から Authenticator を生成します。有効時は公開鍵 PEM を読み込みます。
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		enabled:      cfg.Enabled,
		issuer:       cfg.Issuer,
		clientID:     cfg.ClientID,
		requiredRole: cfg.RequiredRole,
	}
	if !cfg.Enabled {
		return a, nil
	}

	pemBytes, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read realm public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse realm public key: %w", err)
	}
	a.key = key
	return a, nil
}

// Unary は操作者を解決する UnaryServerInterceptor を返します。ヘルスチェックは対象外です。
func (a *Authenticator) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		if !a.enabled {
			if actor := firstValue(md, actorHeader); actor != "" {
				ctx = ContextWithActor(ctx, actor)
			}
			return handler(ctx, req)
		}

		actor, err := a.authenticate(firstValue(md, authorizationHeader))
		if err != nil {
			return nil, err
		}
		return handler(ContextWithActor(ctx, actor), req)
	}
}

func (a *Authenticator) authenticate(header string) (string, error) {
	raw, err := bearerToken(header)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, err.Error())
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &accessClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, opts...); err != nil {
		return "", status.Errorf(codes.Unauthenticated, "invalid access token: %v", err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", status.Error(codes.Unauthenticated, "access token has no subject")
	}

	if a.requiredRole != "" {
		access := claims.ResourceAccess[a.clientID]
		if !slices.Contains(access.Roles, a.requiredRole) {
			return "", status.Errorf(codes.PermissionDenied, "role %s is required", a.requiredRole)
		}
	}

	return subject, nil
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingBearer
	}
	return strings.TrimSpace(token), nil
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}
