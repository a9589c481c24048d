// Package identity resolves bearer tokens into callers.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/lot-exchange/internal/model"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps a bearer token to the caller it identifies.
type Resolver interface {
	ResolveCaller(ctx context.Context, token string) (model.Caller, error)
}

// Claims carries the caller role; the caller ID is the subject.
type Claims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver validates HMAC-signed tokens.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) ResolveCaller(_ context.Context, tokenString string) (model.Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return model.Caller{}, fmt.Errorf("%w: token claims are invalid", ErrUnauthenticated)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return model.Caller{}, fmt.Errorf("%w: token lacks subject or role", ErrUnauthenticated)
	}
	return model.Caller{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for caller valid for ttl.
func (r *JWTResolver) Issue(caller model.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: caller.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(r.secret)
}

// TrustedResolver accepts tokens of the form "role:id" without verification.
// Development only: it is selected when no signing secret is configured.
type TrustedResolver struct{}

func (TrustedResolver) ResolveCaller(_ context.Context, token string) (model.Caller, error) {
	role, id, ok := strings.Cut(token, ":")
	if !ok || id == "" || !model.Role(role).Valid() {
		return model.Caller{}, fmt.Errorf("%w: expected role:id", ErrUnauthenticated)
	}
	return model.Caller{ID: id, Role: model.Role(role)}, nil
}

type ctxKey struct{}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, caller)
}

// FromContext returns the caller stored by Middleware.
func FromContext(ctx context.Context) (model.Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(model.Caller)
	return c, ok
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for websocket upgrades that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a resolvable token and stores the
// caller in the request context.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			caller, err := resolver.ResolveCaller(r.Context(), token)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
