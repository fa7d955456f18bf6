package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// Verifier resolves raw credentials to identities. One instance serves both
// the agent and the dashboard handshake.
type Verifier struct {
	keys       KeyStore
	challenges *ChallengeStore
	tokens     *TokenVerifier
	logger     *slog.Logger
}

// NewVerifier wires the verifier. challenges may be nil when challenge
// enforcement is handled upstream (tests); tokens may be nil for
// agent-only deployments.
func NewVerifier(keys KeyStore, challenges *ChallengeStore, tokens *TokenVerifier, logger *slog.Logger) *Verifier {
	return &Verifier{
		keys:       keys,
		challenges: challenges,
		tokens:     tokens,
		logger:     logger.With("component", "auth"),
	}
}

// VerifyAgent checks an agent's challenge/response handshake. The signature
// is over the raw challenge bytes, base64 encoded (standard or raw URL
// alphabet). tenantID, when supplied by the client, must match the key
// record; mismatches report the same error as an unknown agent so the
// endpoint does not confirm key existence across tenants.
func (v *Verifier) VerifyAgent(ctx context.Context, agentID, tenantID, challenge, signature string) (*Identity, error) {
	if agentID == "" || challenge == "" || signature == "" {
		return nil, ErrBadSignature
	}

	key, err := v.keys.GetAgentKey(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if key == nil || key.Revoked {
		return nil, ErrUnknownPrincipal
	}
	if tenantID != "" && tenantID != key.TenantID {
		return nil, ErrUnknownPrincipal
	}

	if v.challenges != nil {
		if err := v.challenges.Consume(ctx, key.TenantID, challenge); err != nil {
			return nil, err
		}
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return nil, ErrBadSignature
	}

	switch key.Algorithm {
	case AlgEd25519:
		if len(key.KeyMaterial) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("agent %s: malformed key record", agentID)
		}
		if !ed25519.Verify(ed25519.PublicKey(key.KeyMaterial), []byte(challenge), sig) {
			return nil, ErrBadSignature
		}
	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, key.KeyMaterial)
		mac.Write([]byte(challenge))
		// hmac.Equal is constant time.
		if !hmac.Equal(mac.Sum(nil), sig) {
			return nil, ErrBadSignature
		}
	default:
		return nil, fmt.Errorf("agent %s: unsupported key algorithm %q", agentID, key.Algorithm)
	}

	return &Identity{
		PrincipalID:  key.AgentID,
		TenantID:     key.TenantID,
		Role:         RoleAgent,
		Capabilities: key.Capabilities,
	}, nil
}

// VerifyDashboard checks a dashboard bearer token.
func (v *Verifier) VerifyDashboard(ctx context.Context, token string) (*Identity, error) {
	if v.tokens == nil {
		return nil, ErrBadToken
	}
	return v.tokens.Verify(ctx, token)
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
