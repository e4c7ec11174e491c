// Package auth verifies operator bearer tokens on mutating API routes
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type contextKey struct{}

// AnonymousActor is recorded when auth is disabled
const AnonymousActor = "operator"

// Verifier checks HS256 operator tokens. A verifier without a secret lets
// every request through as AnonymousActor, which is how local runs work.
type Verifier struct {
	secret []byte
	log    zerolog.Logger
}

// NewVerifier creates a verifier for secret
func NewVerifier(secret string, log zerolog.Logger) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Enabled reports whether tokens are checked
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject as the request's actor
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), AnonymousActor)))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		subject, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			v.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected operator token")
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), subject)))
	})
}

// Verify parses a token and returns its subject
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// Issue signs a token for subject, used by tooling and tests
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("no secret configured")
	}
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString(v.secret)
}

// WithActor stores the acting operator in ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// Actor returns the acting operator, or AnonymousActor
func Actor(ctx context.Context) string {
	if a, ok := ctx.Value(contextKey{}).(string); ok && a != "" {
		return a
	}
	return AnonymousActor
}
