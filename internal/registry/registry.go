// Package registry is the cross-node table of live connections and
// subscriptions, backed by Redis so any node can locate the node holding a
// given socket.
//
// Row layout (prefix elided):
//
//	conn:<principal>            JSON connection row, TTL'd
//	tenant:<tenant>             set of "<type>#<principal>" mirror entries
//	node:<node>                 set of principals held by one process
//	sub:<subject>:<principal>   JSON subscription row, TTL'd
//	subidx:<subject>            set of subscriber principals
//	psubs:<principal>           set of subjects held by one principal
//	hb                          ZSET principal -> last heartbeat (unix)
//
// The TTL on conn/sub rows is the safety net: rows orphaned by a crashed
// node age out even if no sweep runs. The heartbeat sweep evicts earlier.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnType discriminates the two principal classes on one table.
type ConnType string

const (
	TypeAgent     ConnType = "agent"
	TypeDashboard ConnType = "dashboard"
)

// ErrNotRegistered is returned when an operation requires an existing
// connection row and none exists (or it already expired).
var ErrNotRegistered = errors.New("principal not registered")

// Connection is one live WebSocket, wherever in the fleet it lives. ConnID
// distinguishes successive sockets of the same principal, so the teardown of
// a superseded socket can tell it no longer owns the row.
type Connection struct {
	PrincipalID   string    `json:"principal_id"`
	ConnID        string    `json:"conn_id,omitempty"`
	Type          ConnType  `json:"type"`
	TenantID      string    `json:"tenant_id"`
	NodeID        string    `json:"node_id"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Subscription is one (subject, principal) fan-out fact.
type Subscription struct {
	Subject      string    `json:"subject"`
	PrincipalID  string    `json:"principal_id"`
	NodeID       string    `json:"node_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Registry is the Redis-backed implementation. All writes carry the
// configured timeout so a wedged Redis surfaces as an error instead of a
// stuck frame loop.
type Registry struct {
	rdb     *redis.Client
	prefix  string
	connTTL time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a registry. connTTL bounds how long an orphaned row survives
// (default 24h); timeout bounds every Redis round trip.
func New(rdb *redis.Client, keyPrefix string, connTTL, timeout time.Duration, logger *slog.Logger) *Registry {
	if connTTL == 0 {
		connTTL = 24 * time.Hour
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		rdb:     rdb,
		prefix:  keyPrefix,
		connTTL: connTTL,
		timeout: timeout,
		logger:  logger.With("component", "registry"),
	}
}

// Ping reports whether the registry store is reachable. The gateway must
// not accept new connections while this fails.
func (r *Registry) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

// ============================================================================
// CONNECTIONS
// ============================================================================

// Register upserts the connection row and both mirror indexes.
func (r *Registry) Register(ctx context.Context, c *Connection) error {
	now := time.Now()
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	c.LastHeartbeat = now

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.connKey(c.PrincipalID), data, r.connTTL)
	pipe.SAdd(ctx, r.tenantKey(c.TenantID), mirrorMember(c.Type, c.PrincipalID))
	pipe.SAdd(ctx, r.nodeKey(c.NodeID), c.PrincipalID)
	pipe.ZAdd(ctx, r.hbKey(), redis.Z{Score: float64(now.Unix()), Member: c.PrincipalID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register %s: %w", c.PrincipalID, err)
	}
	return nil
}

// Heartbeat advances last_heartbeat and extends the TTL on the connection
// row and its subscription rows. It never resurrects an unregistered
// principal: the row write is conditional on the row still existing.
func (r *Registry) Heartbeat(ctx context.Context, principalID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	c, err := r.get(ctx, principalID)
	if err != nil {
		return err
	}
	now := time.Now()
	c.LastHeartbeat = now

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	// SET XX: a concurrent Unregister wins and the heartbeat is a no-op.
	ok, err := r.rdb.SetXX(ctx, r.connKey(principalID), data, r.connTTL).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", principalID, err)
	}
	if !ok {
		return ErrNotRegistered
	}

	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, r.hbKey(), redis.Z{Score: float64(now.Unix()), Member: principalID})
	subjects, _ := r.rdb.SMembers(ctx, r.psubsKey(principalID)).Result()
	for _, s := range subjects {
		pipe.Expire(ctx, r.subKey(s, principalID), r.connTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat indexes %s: %w", principalID, err)
	}
	return nil
}

// Unregister deletes the row, both mirrors and every subscription the
// principal held. Unconditional: deleting an absent row is not an error.
func (r *Registry) Unregister(ctx context.Context, principalID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	c, err := r.get(ctx, principalID)
	if errors.Is(err, ErrNotRegistered) {
		// Row already expired; still clear the heartbeat entry and any
		// dangling subscription indexes so the sweep stops seeing the
		// principal. Tenant and node mirrors are pruned lazily on query.
		if err := r.rdb.ZRem(ctx, r.hbKey(), principalID).Err(); err != nil {
			return fmt.Errorf("unregister %s: %w", principalID, err)
		}
		return r.dropSubs(ctx, principalID)
	}
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, r.connKey(principalID))
	pipe.SRem(ctx, r.tenantKey(c.TenantID), mirrorMember(c.Type, principalID))
	pipe.SRem(ctx, r.nodeKey(c.NodeID), principalID)
	pipe.ZRem(ctx, r.hbKey(), principalID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister %s: %w", principalID, err)
	}
	return r.dropSubs(ctx, principalID)
}

// Get returns the connection row for a principal.
func (r *Registry) Get(ctx context.Context, principalID string) (*Connection, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.get(ctx, principalID)
}

func (r *Registry) get(ctx context.Context, principalID string) (*Connection, error) {
	data, err := r.rdb.Get(ctx, r.connKey(principalID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", principalID, err)
	}
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal connection %s: %w", principalID, err)
	}
	return &c, nil
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// AddSub records that principal has a live fan-out entry for subject on node.
func (r *Registry) AddSub(ctx context.Context, principalID, subj, nodeID string) error {
	row := Subscription{
		Subject:      subj,
		PrincipalID:  principalID,
		NodeID:       nodeID,
		SubscribedAt: time.Now(),
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.subKey(subj, principalID), data, r.connTTL)
	pipe.SAdd(ctx, r.subidxKey(subj), principalID)
	pipe.SAdd(ctx, r.psubsKey(principalID), subj)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add sub %s %s: %w", principalID, subj, err)
	}
	return nil
}

// RemoveSub drops one (subject, principal) fact.
func (r *Registry) RemoveSub(ctx context.Context, principalID, subj string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, r.subKey(subj, principalID))
	pipe.SRem(ctx, r.subidxKey(subj), principalID)
	pipe.SRem(ctx, r.psubsKey(principalID), subj)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove sub %s %s: %w", principalID, subj, err)
	}
	return nil
}

func (r *Registry) dropSubs(ctx context.Context, principalID string) error {
	subjects, err := r.rdb.SMembers(ctx, r.psubsKey(principalID)).Result()
	if err != nil {
		return fmt.Errorf("list subs %s: %w", principalID, err)
	}
	if len(subjects) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, s := range subjects {
		pipe.Del(ctx, r.subKey(s, principalID))
		pipe.SRem(ctx, r.subidxKey(s), principalID)
	}
	pipe.Del(ctx, r.psubsKey(principalID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drop subs %s: %w", principalID, err)
	}
	return nil
}

// SubjectsOf returns the subjects a principal is subscribed to. Used to
// pre-seed subscriptions when a client reconnects.
func (r *Registry) SubjectsOf(ctx context.Context, principalID string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	subjects, err := r.rdb.SMembers(ctx, r.psubsKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("subjects of %s: %w", principalID, err)
	}
	return subjects, nil
}

// ============================================================================
// QUERIES
// ============================================================================

// QueryTenant lists connections for a tenant, optionally filtered by type.
// Mirror entries whose row already expired are pruned as they are seen.
func (r *Registry) QueryTenant(ctx context.Context, tenantID string, typ ConnType) ([]*Connection, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	members, err := r.rdb.SMembers(ctx, r.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query tenant %s: %w", tenantID, err)
	}

	var out []*Connection
	for _, m := range members {
		mt, principal, ok := splitMirror(m)
		if !ok {
			continue
		}
		if typ != "" && mt != typ {
			continue
		}
		c, err := r.get(ctx, principal)
		if errors.Is(err, ErrNotRegistered) {
			r.rdb.SRem(ctx, r.tenantKey(tenantID), m)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CountTenant is the live connection gauge for quota admission.
func (r *Registry) CountTenant(ctx context.Context, tenantID string) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	n, err := r.rdb.SCard(ctx, r.tenantKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// QuerySubject lists the cross-fleet subscribers of a subject.
func (r *Registry) QuerySubject(ctx context.Context, subj string) ([]*Subscription, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	members, err := r.rdb.SMembers(ctx, r.subidxKey(subj)).Result()
	if err != nil {
		return nil, fmt.Errorf("query subject %s: %w", subj, err)
	}

	var out []*Subscription
	for _, principal := range members {
		data, err := r.rdb.Get(ctx, r.subKey(subj, principal)).Bytes()
		if err == redis.Nil {
			r.rdb.SRem(ctx, r.subidxKey(subj), principal)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query subject %s: %w", subj, err)
		}
		var row Subscription
		if err := json.Unmarshal(data, &row); err != nil {
			continue
		}
		out = append(out, &row)
	}
	return out, nil
}

// QueryNode lists the principals a node holds.
func (r *Registry) QueryNode(ctx context.Context, nodeID string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	members, err := r.rdb.SMembers(ctx, r.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query node %s: %w", nodeID, err)
	}
	return members, nil
}

// Stale returns principals whose last heartbeat predates the cutoff.
func (r *Registry) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	members, err := r.rdb.ZRangeByScore(ctx, r.hbKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stale scan: %w", err)
	}
	return members, nil
}

// ============================================================================
// KEYS
// ============================================================================

func (r *Registry) connKey(principal string) string  { return r.prefix + "conn:" + principal }
func (r *Registry) tenantKey(tenant string) string   { return r.prefix + "tenant:" + tenant }
func (r *Registry) nodeKey(node string) string       { return r.prefix + "node:" + node }
func (r *Registry) subidxKey(subj string) string     { return r.prefix + "subidx:" + subj }
func (r *Registry) psubsKey(principal string) string { return r.prefix + "psubs:" + principal }
func (r *Registry) hbKey() string                    { return r.prefix + "hb" }
func (r *Registry) subKey(subj, principal string) string {
	return r.prefix + "sub:" + subj + ":" + principal
}

func (r *Registry) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func mirrorMember(t ConnType, principal string) string {
	return string(t) + "#" + principal
}

func splitMirror(m string) (ConnType, string, bool) {
	i := strings.IndexByte(m, '#')
	if i < 0 {
		return "", "", false
	}
	return ConnType(m[:i]), m[i+1:], true
}
