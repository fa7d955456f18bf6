package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the dashboard token payload. TenantID is optional in the
// token; when absent the caller must resolve it from the subject.
type TokenClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig controls dashboard token validation.
type TokenConfig struct {
	// Secret validates HMAC-family tokens. May be empty when only
	// asymmetric tokens are accepted.
	Secret []byte
	// JWKSURL is the well-known location of the public-key set for
	// asymmetric tokens. May be empty when only HMAC tokens are accepted.
	JWKSURL string
	// AllowedAlgs is the explicit algorithm allowlist. Tokens signed with
	// anything else are rejected before signature verification.
	AllowedAlgs []string
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string
	// JWKSCacheTTL bounds how long a fetched key set is reused (default 1h).
	JWKSCacheTTL time.Duration
}

// TokenVerifier validates dashboard bearer tokens. A single code path
// handles both algorithm families; the token header selects the branch.
type TokenVerifier struct {
	cfg    TokenConfig
	parser *jwt.Parser
	jwks   *JWKSCache
	logger *slog.Logger
}

// NewTokenVerifier builds a verifier from config.
func NewTokenVerifier(cfg TokenConfig, logger *slog.Logger) *TokenVerifier {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256", "RS256", "ES256"}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	tv := &TokenVerifier{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		logger: logger.With("component", "auth-token"),
	}
	if cfg.JWKSURL != "" {
		tv.jwks = NewJWKSCache(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)
	}
	return tv
}

// Verify parses and validates a token, returning the dashboard identity.
func (tv *TokenVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	claims := &TokenClaims{}
	token, err := tv.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(tv.cfg.Secret) == 0 {
				return nil, fmt.Errorf("symmetric tokens not configured")
			}
			return tv.cfg.Secret, nil
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			if tv.jwks == nil {
				return nil, fmt.Errorf("asymmetric tokens not configured")
			}
			kid, _ := t.Header["kid"].(string)
			return tv.jwks.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("algorithm %v not allowed", t.Header["alg"])
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if !token.Valid {
		return nil, ErrBadToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrBadToken)
	}

	return &Identity{
		PrincipalID: claims.Subject,
		TenantID:    claims.TenantID,
		Role:        RoleDashboard,
	}, nil
}
