package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/config"
)

// Middleware authenticates requests with a bearer JWT verified against the
// configured JWKS endpoint. With verification disabled every request gets
// the dev identity, which keeps local development free of an auth server.
type Middleware struct {
	cfg    config.AuthConfig
	keys   keyfunc.Keyfunc
	logger *zap.Logger
}

// NewMiddleware creates the middleware. When verification is on, the JWKS
// is fetched eagerly so a bad URL fails at startup.
func NewMiddleware(ctx context.Context, cfg config.AuthConfig, logger *zap.Logger) (*Middleware, error) {
	m := &Middleware{cfg: cfg, logger: logger.Named("auth")}
	if !cfg.VerificationEnabled() {
		logger.Warn("token verification is disabled; all requests run as the dev identity")
		return m, nil
	}

	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth verification enabled but no JWKS URL configured")
	}
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", cfg.JWKSURL, err)
	}
	m.keys = keys
	return m, nil
}

// RequireAuth wraps a handler, rejecting requests without a valid token and
// placing the subject claim in the context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.VerificationEnabled() {
			next(w, r.WithContext(WithUserID(r.Context(), DevUserID)))
			return
		}

		userID, err := m.verify(r)
		if err != nil {
			m.logger.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			m.unauthorized(w)
			return
		}
		next(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

func (m *Middleware) verify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"})}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	if m.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.cfg.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, m.keys.Keyfunc, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func (m *Middleware) unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": "Authentication required",
	})
}
