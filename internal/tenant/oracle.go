package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/redis/go-redis/v9"
)

const (
	cacheCapacity = 10_000
	cacheTTL      = 30 * time.Second
	accountBuffer = 4096
)

// Oracle answers admit/account questions for tenants. Tenant rows come from
// the external store through a short-TTL read-through cache; usage counters
// live in Redis so every node sees the same numbers.
type Oracle struct {
	store  Store
	rdb    redis.Cmdable
	cache  otter.Cache[string, *Tenant]
	gauge  ConnectionGauge
	prefix string
	logger *slog.Logger

	acct     chan acctOp
	stopOnce sync.Once
	done     chan struct{}
}

type acctOp struct {
	tenantID string
	kind     Kind
	delta    int64
}

// NewOracle builds an oracle over the given store and Redis client. The
// connection gauge is injected by the registry after construction.
func NewOracle(store Store, rdb redis.Cmdable, keyPrefix string, logger *slog.Logger) (*Oracle, error) {
	cache, err := otter.MustBuilder[string, *Tenant](cacheCapacity).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build tenant cache: %w", err)
	}

	o := &Oracle{
		store:  store,
		rdb:    rdb,
		cache:  cache,
		prefix: keyPrefix,
		logger: logger.With("component", "tenant-oracle"),
		acct:   make(chan acctOp, accountBuffer),
		done:   make(chan struct{}),
	}
	go o.accountLoop()
	return o, nil
}

// SetConnectionGauge wires the live connection count supplier.
func (o *Oracle) SetConnectionGauge(g ConnectionGauge) {
	o.gauge = g
}

// Lookup resolves a tenant, serving from cache when fresh.
func (o *Oracle) Lookup(ctx context.Context, tenantID string) (*Tenant, error) {
	if t, ok := o.cache.Get(tenantID); ok {
		return t, nil
	}
	t, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	o.cache.Set(tenantID, t)
	return t, nil
}

// Invalidate drops a cached tenant so the next Lookup hits the store.
func (o *Oracle) Invalidate(tenantID string) {
	o.cache.Delete(tenantID)
}

// Admit decides whether the tenant may consume one unit of the given kind.
// Returns nil when allowed, a *QuotaError when the quota is exhausted.
// Counter reads are best effort: a Redis failure admits rather than blocking
// all traffic on the counter store.
func (o *Oracle) Admit(ctx context.Context, t *Tenant, kind Kind) error {
	limit := o.limitFor(t, kind)
	if limit <= 0 {
		return nil
	}

	var (
		current int64
		resetIn time.Duration
		err     error
	)
	switch kind {
	case KindConnection:
		if o.gauge == nil {
			return nil
		}
		current, err = o.gauge(ctx, t.ID)
	case KindAPICall:
		current, err = o.readCounter(ctx, o.minuteKey(t.ID, time.Now()))
		resetIn = untilNextMinute(time.Now())
	case KindMessage:
		current, err = o.readCounter(ctx, o.dayKey(t.ID, time.Now()))
		resetIn = untilUTCMidnight(time.Now())
	case KindChannel:
		current, err = o.readCounter(ctx, o.plainKey(t.ID, kind))
	case KindStorage:
		current, err = o.readCounter(ctx, o.plainKey(t.ID, kind))
	default:
		return nil
	}
	if err != nil {
		o.logger.Warn("usage read failed, admitting", "tenant", t.ID, "kind", kind, "error", err)
		return nil
	}

	if current >= limit {
		return &QuotaError{Kind: kind, Current: current, Limit: limit, ResetIn: resetIn}
	}
	return nil
}

// Account records usage asynchronously. Best effort: when the buffer is full
// the update is dropped rather than stalling the frame loop.
func (o *Oracle) Account(tenantID string, kind Kind, delta int64) {
	select {
	case o.acct <- acctOp{tenantID: tenantID, kind: kind, delta: delta}:
	default:
		o.logger.Warn("account buffer full, dropping update", "tenant", tenantID, "kind", kind)
	}
}

// Close drains the accounting worker.
func (o *Oracle) Close() {
	o.stopOnce.Do(func() {
		close(o.acct)
		<-o.done
	})
}

func (o *Oracle) accountLoop() {
	defer close(o.done)
	for op := range o.acct {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.apply(ctx, op); err != nil {
			o.logger.Warn("usage update failed", "tenant", op.tenantID, "kind", op.kind, "error", err)
		}
		cancel()
	}
}

func (o *Oracle) apply(ctx context.Context, op acctOp) error {
	now := time.Now()
	switch op.kind {
	case KindAPICall:
		return o.bump(ctx, o.minuteKey(op.tenantID, now), op.delta, 2*time.Minute)
	case KindMessage:
		return o.bump(ctx, o.dayKey(op.tenantID, now), op.delta, 48*time.Hour)
	case KindChannel, KindStorage:
		return o.bump(ctx, o.plainKey(op.tenantID, op.kind), op.delta, 0)
	default:
		return nil
	}
}

func (o *Oracle) bump(ctx context.Context, key string, delta int64, ttl time.Duration) error {
	n, err := o.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return err
	}
	// Counters never go negative even if decrements race a window rollover.
	if n < 0 {
		o.rdb.Set(ctx, key, 0, ttl)
	}
	if ttl > 0 {
		o.rdb.Expire(ctx, key, ttl)
	}
	return nil
}

func (o *Oracle) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := o.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (o *Oracle) limitFor(t *Tenant, kind Kind) int64 {
	switch kind {
	case KindConnection:
		return t.Limits.MaxConnections
	case KindChannel:
		return t.Limits.MaxChannels
	case KindAPICall:
		return t.Limits.MaxAPICallsPerMinute
	case KindMessage:
		return t.Limits.MaxMessagesPerDay
	case KindStorage:
		return t.Limits.MaxStorageBytes
	}
	return 0
}

// Counter keys. Windows are encoded in the key so rollover is a new key and
// the old one ages out via TTL.

func (o *Oracle) minuteKey(tenantID string, now time.Time) string {
	return o.prefix + "usage:" + tenantID + ":api:" + now.UTC().Format("200601021504")
}

func (o *Oracle) dayKey(tenantID string, now time.Time) string {
	return o.prefix + "usage:" + tenantID + ":msg:" + now.UTC().Format("20060102")
}

func (o *Oracle) plainKey(tenantID string, kind Kind) string {
	return o.prefix + "usage:" + tenantID + ":" + string(kind)
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func untilUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
