// Package store adapts the external Supabase control plane to the narrow
// interfaces the gateway consumes: tenant records, agent credentials, and
// durable agent status.
package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/agentwire/gateway/internal/auth"
	"github.com/agentwire/gateway/internal/tenant"
)

// Supabase is the production store. Reads are uncached here; the tenant
// oracle layers its own cache on top.
type Supabase struct {
	client *supabase.Client
	logger *slog.Logger
}

// New creates the adapter from a project URL and service key.
func New(url, serviceKey string, logger *slog.Logger) (*Supabase, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Supabase{client: client, logger: logger.With("component", "store")}, nil
}

// tenantRow mirrors the tenants table.
type tenantRow struct {
	TenantID          string `json:"tenant_id"`
	TenantName        string `json:"tenant_name"`
	SubscriptionTier  string `json:"subscription_tier"`
	Status            string `json:"status"`
	MaxAgents         int64  `json:"max_agents"`
	MaxChannels       int64  `json:"max_channels"`
	MaxConnections    int64  `json:"max_connections"`
	MaxMessagesPerDay int64  `json:"max_messages_per_day"`
	MaxAPIPerMinute   int64  `json:"max_api_calls_per_minute"`
	MaxStorageBytes   int64  `json:"max_storage_bytes"`
	ExpiresAt         string `json:"expires_at,omitempty"`
}

// GetTenant implements tenant.Store. A missing row returns (nil, nil); the
// oracle translates that into tenant.ErrNotFound.
func (s *Supabase) GetTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	var rows []tenantRow
	_, err := s.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	t := &tenant.Tenant{
		ID:     row.TenantID,
		Name:   row.TenantName,
		Tier:   row.SubscriptionTier,
		Status: row.Status,
		Limits: tenant.Limits{
			MaxAgents:            row.MaxAgents,
			MaxChannels:          row.MaxChannels,
			MaxConnections:       row.MaxConnections,
			MaxMessagesPerDay:    row.MaxMessagesPerDay,
			MaxAPICallsPerMinute: row.MaxAPIPerMinute,
			MaxStorageBytes:      row.MaxStorageBytes,
		},
	}
	if row.ExpiresAt != "" {
		if ts, perr := time.Parse(time.RFC3339, row.ExpiresAt); perr == nil {
			t.ExpiresAt = &ts
		}
	}
	return t, nil
}

// agentKeyRow mirrors the agent_keys table. Key material is stored base64
// encoded.
type agentKeyRow struct {
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id"`
	Algorithm    string   `json:"algorithm"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities"`
	Revoked      bool     `json:"revoked"`
}

// GetAgentKey implements auth.KeyStore. A missing row returns (nil, nil).
func (s *Supabase) GetAgentKey(ctx context.Context, agentID string) (*auth.AgentKey, error) {
	var rows []agentKeyRow
	_, err := s.client.From("agent_keys").
		Select("*", "", false).
		Eq("agent_id", agentID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get agent key %s: %w", agentID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	material, err := base64.StdEncoding.DecodeString(row.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("agent key %s: malformed key material: %w", agentID, err)
	}
	return &auth.AgentKey{
		AgentID:      row.AgentID,
		TenantID:     row.TenantID,
		Algorithm:    row.Algorithm,
		KeyMaterial:  material,
		Capabilities: row.Capabilities,
		Revoked:      row.Revoked,
	}, nil
}

// statusUpdate is the partial row written on presence transitions.
type statusUpdate struct {
	Status     string `json:"status"`
	LastSeenAt string `json:"last_seen_at"`
}

// SetAgentStatus implements presence.StatusSink.
func (s *Supabase) SetAgentStatus(ctx context.Context, tenantID, agentID, status string) error {
	var result []map[string]interface{}
	_, err := s.client.From("agents").
		Update(statusUpdate{
			Status:     status,
			LastSeenAt: time.Now().UTC().Format(time.RFC3339),
		}, "", "").
		Eq("agent_id", agentID).
		Eq("tenant_id", tenantID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("set agent %s status: %w", agentID, err)
	}
	return nil
}
