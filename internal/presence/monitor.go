// Package presence tracks agent liveness. Heartbeats arrive over the socket
// (as frames) or out of band on the backbone; a periodic sweep evicts
// connections whose last heartbeat is older than the configured timeout and
// announces the offline transition to the tenant.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentwire/gateway/internal/backbone"
	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/metrics"
	"github.com/agentwire/gateway/internal/registry"
	"github.com/agentwire/gateway/internal/subject"
)

// StatusSink records durable agent status in the external store. May be a
// no-op in deployments without one.
type StatusSink interface {
	SetAgentStatus(ctx context.Context, tenantID, agentID, status string) error
}

// StatusEvent is the payload published on the tenant's status_changed
// subject whenever an agent transitions between online and offline. Type is
// always "status_changed" so consumers on wide subscriptions can dispatch
// on the discriminator.
type StatusEvent struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principal_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Monitor is the heartbeat bookkeeper. One instance runs per node; the sweep
// is cheap enough that concurrent sweeps on different nodes are harmless
// because eviction is idempotent.
type Monitor struct {
	reg     *registry.Registry
	bus     backbone.Bus
	sink    StatusSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	timeout    time.Duration
	cron       *cron.Cron
	oob        backbone.Subscription
	sweepEvery string
}

// NewMonitor wires the monitor. sink may be nil.
func NewMonitor(reg *registry.Registry, bus backbone.Bus, sink StatusSink, cfg config.PresenceConfig, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		reg:        reg,
		bus:        bus,
		sink:       sink,
		metrics:    m,
		logger:     logger.With("component", "presence"),
		timeout:    cfg.HeartbeatTimeout,
		cron:       cron.New(),
		sweepEvery: fmt.Sprintf("@every %s", cfg.CleanupInterval),
	}
}

// Start schedules the sweep and attaches the out-of-band heartbeat intake.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.sweepEvery, m.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	// Queue group so one node per fleet handles each out-of-band beat.
	sub, err := m.bus.QueueSubscribe(subject.PresenceHeartbeatWildcard, "presence", m.onOOBHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	m.oob = sub

	m.cron.Start()
	m.logger.Info("heartbeat monitor started", "timeout", m.timeout, "sweep", m.sweepEvery)
	return nil
}

// Stop halts the sweep and detaches from the backbone.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	if m.oob != nil {
		if err := m.oob.Unsubscribe(); err != nil {
			m.logger.Warn("heartbeat unsubscribe failed", "error", err)
		}
	}
}

// Beat refreshes a live connection's heartbeat. A beat for an evicted or
// never-registered principal reports registry.ErrNotRegistered and changes
// nothing; reconnecting is the only way back online.
func (m *Monitor) Beat(ctx context.Context, principalID string) error {
	return m.reg.Heartbeat(ctx, principalID)
}

// MarkOnline records an agent's transition to online and announces it.
// Called by the connection manager after a successful agent registration,
// never for dashboards.
func (m *Monitor) MarkOnline(ctx context.Context, tenantID, agentID, reason string) {
	if m.sink != nil {
		if err := m.sink.SetAgentStatus(ctx, tenantID, agentID, "online"); err != nil {
			m.logger.Error("status store update failed", "agent", agentID, "error", err)
		}
	}
	m.publishStatus(ctx, tenantID, agentID, "online", reason)
}

// MarkOffline records an agent's transition to offline and announces it.
// Called when an agent socket closes without a surviving registration.
func (m *Monitor) MarkOffline(ctx context.Context, tenantID, agentID, reason string) {
	if m.sink != nil {
		if err := m.sink.SetAgentStatus(ctx, tenantID, agentID, "offline"); err != nil {
			m.logger.Error("status store update failed", "agent", agentID, "error", err)
		}
	}
	m.publishStatus(ctx, tenantID, agentID, "offline", reason)
}

// sweep evicts every connection whose heartbeat is older than the timeout.
// The registry write happens before the status announcement, so a consumer
// that reacts to the event always observes the registry already clean.
func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := m.reg.Stale(ctx, time.Now().Add(-m.timeout))
	if err != nil {
		m.logger.Error("stale scan failed", "error", err)
		return
	}

	for _, principal := range stale {
		m.evict(ctx, principal)
	}
	if len(stale) > 0 {
		m.logger.Info("heartbeat sweep evicted stale connections", "count", len(stale))
	}
}

func (m *Monitor) evict(ctx context.Context, principalID string) {
	conn, err := m.reg.Get(ctx, principalID)
	if err == registry.ErrNotRegistered {
		// Row already expired; nothing to announce, nothing to flip.
		if err := m.reg.Unregister(ctx, principalID); err != nil {
			m.logger.Warn("orphan cleanup failed", "principal", principalID, "error", err)
		}
		return
	}
	if err != nil {
		m.logger.Error("eviction lookup failed", "principal", principalID, "error", err)
		return
	}

	if err := m.reg.Unregister(ctx, principalID); err != nil {
		m.logger.Error("eviction failed", "principal", principalID, "error", err)
		return
	}
	m.metrics.SweepEvictions.Inc()
	m.logger.Info("evicted stale connection",
		"principal", principalID, "tenant", conn.TenantID, "type", conn.Type)

	// Only agents have a presence status; dashboard rows just disappear.
	if conn.Type == registry.TypeAgent {
		m.MarkOffline(ctx, conn.TenantID, principalID, "heartbeat_timeout")
	}
}

// onOOBHeartbeat handles _heartbeat.<tenant>.<agent> messages published by
// agents straight onto the backbone.
func (m *Monitor) onOOBHeartbeat(subj string, _ []byte) {
	parts := strings.Split(subj, ".")
	if len(parts) != 3 {
		return
	}
	agentID := parts[2]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Beat(ctx, agentID); err != nil && err != registry.ErrNotRegistered {
		m.logger.Warn("out-of-band heartbeat failed", "agent", agentID, "error", err)
	}
}

func (m *Monitor) publishStatus(ctx context.Context, tenantID, agentID, status, reason string) {
	payload, err := json.Marshal(StatusEvent{
		Type:        "status_changed",
		PrincipalID: agentID,
		Status:      status,
		Reason:      reason,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, subject.StatusChanged(tenantID), payload); err != nil {
		m.logger.Error("status publish failed", "tenant", tenantID, "agent", agentID, "error", err)
	}
}
