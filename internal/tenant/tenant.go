// Package tenant implements the tenant/quota oracle: a read-through cache
// over the external tenant store plus Redis-backed usage counters. The
// gateway core only reads tenants; the HTTP CRUD plane owns them.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tenant status values as stored by the external plane.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusExpired   = "expired"
)

// ErrNotFound is returned when the external store has no such tenant.
var ErrNotFound = errors.New("tenant not found")

// Limits are the concrete quota values attached to a tenant's plan.
// Zero or negative values mean unlimited.
type Limits struct {
	MaxAgents            int64 `json:"max_agents"`
	MaxChannels          int64 `json:"max_channels"`
	MaxConnections       int64 `json:"max_connections"`
	MaxMessagesPerDay    int64 `json:"max_messages_per_day"`
	MaxAPICallsPerMinute int64 `json:"max_api_calls_per_minute"`
	MaxStorageBytes      int64 `json:"max_storage_bytes"`
}

// Tenant is the read-only view of a tenant the core operates on.
type Tenant struct {
	ID        string     `json:"tenant_id"`
	Name      string     `json:"tenant_name"`
	Tier      string     `json:"plan_tier"`
	Status    string     `json:"status"`
	Limits    Limits     `json:"limits"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the tenant may be admitted at all.
func (t *Tenant) Active() bool {
	if t.Status != StatusActive {
		return false
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return false
	}
	return true
}

// Kind identifies the quota dimension an operation consumes.
type Kind string

const (
	KindConnection Kind = "connection"
	KindChannel    Kind = "channel"
	KindAPICall    Kind = "api_call"
	KindMessage    Kind = "message"
	KindStorage    Kind = "storage"
)

// QuotaError is the policy decision for a denied operation. ResetIn tells
// the client when the counter window rolls over (zero for live gauges).
type QuotaError struct {
	Kind    Kind
	Current int64
	Limit   int64
	ResetIn time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s %d/%d (resets in %s)",
		e.Kind, e.Current, e.Limit, e.ResetIn.Round(time.Second))
}

// Store is the narrow contract onto the external tenant plane.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
}

// ConnectionGauge reports the live connection count for a tenant. The
// connection registry supplies this; connections are a gauge, not a window
// counter.
type ConnectionGauge func(ctx context.Context, tenantID string) (int64, error)
