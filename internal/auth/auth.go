// Package auth verifies the two credential classes admitted by the gateway:
// key-owning agents (challenge/response signatures) and dashboard users
// (signed bearer tokens). Both paths resolve to the same Identity.
package auth

import (
	"context"
	"errors"
)

// Role of an authenticated principal.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDashboard Role = "dashboard"
)

// Identity is the result of a successful verification.
type Identity struct {
	PrincipalID  string
	TenantID     string
	Role         Role
	Capabilities []string
}

// Verification failures. All map to a policy-violation close on the socket;
// the distinction matters for logs and metrics only.
var (
	ErrUnknownPrincipal = errors.New("unknown principal")
	ErrBadSignature     = errors.New("bad signature")
	ErrExpiredChallenge = errors.New("challenge expired or already used")
	ErrBadToken         = errors.New("invalid token")
)

// Key algorithms accepted on agent key records.
const (
	AlgEd25519    = "ed25519"
	AlgHMACSHA256 = "hmac-sha256"
)

// AgentKey is the credential record the external store holds for an agent.
// KeyMaterial is the raw ed25519 public key, or the shared secret for HMAC
// keys.
type AgentKey struct {
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id"`
	Algorithm    string   `json:"algorithm"`
	KeyMaterial  []byte   `json:"key_material"`
	Capabilities []string `json:"capabilities"`
	Revoked      bool     `json:"revoked"`
}

// KeyStore is the narrow contract onto the external credential plane.
type KeyStore interface {
	GetAgentKey(ctx context.Context, agentID string) (*AgentKey, error)
}
