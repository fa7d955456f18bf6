package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "gw:", time.Hour, 5*time.Second, slog.Default()), mr
}

func agentConn(principal, tenant, node string) *Connection {
	return &Connection{
		PrincipalID:  principal,
		Type:         TypeAgent,
		TenantID:     tenant,
		NodeID:       node,
		Capabilities: []string{"data"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))

	got, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, TypeAgent, got.Type)
	assert.False(t, got.ConnectedAt.IsZero())
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestGetUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegisterIsUpsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n2")))

	got, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "n2", got.NodeID)

	// Only one mirror entry per (type, principal).
	n, err := r.CountTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHeartbeatAdvances(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	before, _ := r.Get(ctx, "a1")

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "a1"))

	after, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestHeartbeatDoesNotResurrect(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.Unregister(ctx, "a1"))

	err := r.Heartbeat(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestUnregisterCascades(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.AddSub(ctx, "a1", "tenant.t1.channel.chat", "n1"))
	require.NoError(t, r.AddSub(ctx, "a1", "agents.t1.command.a1", "n1"))

	require.NoError(t, r.Unregister(ctx, "a1"))

	subs, err := r.QuerySubject(ctx, "tenant.t1.channel.chat")
	require.NoError(t, err)
	assert.Empty(t, subs)

	subjects, err := r.SubjectsOf(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, subjects)

	n, err := r.CountTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestUnregisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.NoError(t, r.Unregister(context.Background(), "never-registered"))
}

func TestUnregisterExpiredRowClearsHeartbeat(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	// Let the connection row age out while the heartbeat entry lingers.
	mr.FastForward(2 * time.Hour)

	require.NoError(t, r.Unregister(ctx, "a1"))

	// Without the ZRem the sweep would report a1 stale on every cycle.
	stale, err := r.Stale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, stale, "a1")
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.Register(ctx, agentConn("a2", "t1", "n2")))
	require.NoError(t, r.AddSub(ctx, "a1", "agents.t1.event.foo", "n1"))
	require.NoError(t, r.AddSub(ctx, "a2", "agents.t1.event.foo", "n2"))

	subs, err := r.QuerySubject(ctx, "agents.t1.event.foo")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	nodes := map[string]string{}
	for _, s := range subs {
		nodes[s.PrincipalID] = s.NodeID
	}
	assert.Equal(t, "n1", nodes["a1"])
	assert.Equal(t, "n2", nodes["a2"])

	require.NoError(t, r.RemoveSub(ctx, "a1", "agents.t1.event.foo"))
	subs, err = r.QuerySubject(ctx, "agents.t1.event.foo")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "a2", subs[0].PrincipalID)
}

func TestQueryTenantFiltersByType(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.Register(ctx, &Connection{
		PrincipalID: "u1", Type: TypeDashboard, TenantID: "t1", NodeID: "n1",
	}))
	require.NoError(t, r.Register(ctx, agentConn("b1", "t2", "n1")))

	all, err := r.QueryTenant(ctx, "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	agents, err := r.QueryTenant(ctx, "t1", TypeAgent)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].PrincipalID)
}

func TestQueryTenantPrunesExpiredRows(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	// Simulate TTL expiry of the row while the mirror entry lingers.
	mr.Del("gw:conn:a1")

	conns, err := r.QueryTenant(ctx, "t1", "")
	require.NoError(t, err)
	assert.Empty(t, conns)

	// The dangling mirror entry was pruned.
	n, err := r.CountTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestQueryNode(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.Register(ctx, agentConn("a2", "t1", "n1")))
	require.NoError(t, r.Register(ctx, agentConn("a3", "t1", "n2")))

	principals, err := r.QueryNode(ctx, "n1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, principals)
}

func TestStaleScan(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, r.Register(ctx, agentConn("a2", "t1", "n1")))

	// A cutoff between the two registrations catches only a1.
	stale, err := r.Stale(ctx, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Contains(t, stale, "a1")
	assert.NotContains(t, stale, "a2")

	// Heartbeat moves a1 past the cutoff.
	require.NoError(t, r.Heartbeat(ctx, "a1"))
	stale, err = r.Stale(ctx, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.NotContains(t, stale, "a1")
}

func TestSubjectsOfSeedsReconnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, agentConn("a1", "t1", "n1")))
	require.NoError(t, r.AddSub(ctx, "a1", "tenant.t1.channel.chat", "n1"))
	require.NoError(t, r.AddSub(ctx, "a1", "agents.t1.event.foo", "n1"))

	subjects, err := r.SubjectsOf(ctx, "a1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tenant.t1.channel.chat", "agents.t1.event.foo"}, subjects)
}
