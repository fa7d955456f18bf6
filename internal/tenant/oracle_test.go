package tenant

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tenants map[string]*Tenant
	calls   int
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	f.calls++
	t, ok := f.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func newTestOracle(t *testing.T, store *fakeStore) (*Oracle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	o, err := NewOracle(store, rdb, "gw:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, mr
}

func activeTenant(id string) *Tenant {
	return &Tenant{
		ID:     id,
		Status: StatusActive,
		Tier:   "pro",
		Limits: Limits{
			MaxConnections:       10,
			MaxAPICallsPerMinute: 5,
			MaxMessagesPerDay:    1000,
		},
	}
}

func TestLookupReadThrough(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, _ := newTestOracle(t, store)

	got, err := o.Lookup(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	// Second lookup is served from cache.
	_, err = o.Lookup(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)

	o.Invalidate("t1")
	_, err = o.Lookup(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestLookupNotFound(t *testing.T) {
	o, _ := newTestOracle(t, &fakeStore{tenants: map[string]*Tenant{}})

	_, err := o.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantActive(t *testing.T) {
	tn := activeTenant("t1")
	assert.True(t, tn.Active())

	tn.Status = StatusSuspended
	assert.False(t, tn.Active())

	tn.Status = StatusActive
	past := time.Now().Add(-time.Hour)
	tn.ExpiresAt = &past
	assert.False(t, tn.Active())
}

func TestAdmitAPICallWindow(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, _ := newTestOracle(t, store)
	ctx := context.Background()
	tn := store.tenants["t1"]

	// Fill the current minute window to the limit synchronously.
	for i := 0; i < 5; i++ {
		require.NoError(t, o.apply(ctx, acctOp{tenantID: "t1", kind: KindAPICall, delta: 1}))
	}

	err := o.Admit(ctx, tn, KindAPICall)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindAPICall, qe.Kind)
	assert.EqualValues(t, 5, qe.Current)
	assert.EqualValues(t, 5, qe.Limit)
	assert.Greater(t, qe.ResetIn, time.Duration(0))
	assert.LessOrEqual(t, qe.ResetIn, time.Minute)
}

func TestAdmitMessageDayWindow(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, _ := newTestOracle(t, store)
	ctx := context.Background()
	tn := store.tenants["t1"]

	require.NoError(t, o.apply(ctx, acctOp{tenantID: "t1", kind: KindMessage, delta: 1000}))

	err := o.Admit(ctx, tn, KindMessage)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindMessage, qe.Kind)
	assert.LessOrEqual(t, qe.ResetIn, 24*time.Hour)

	// One message under the limit passes.
	require.NoError(t, o.apply(ctx, acctOp{tenantID: "t1", kind: KindMessage, delta: -1}))
	assert.NoError(t, o.Admit(ctx, tn, KindMessage))
}

func TestAdmitConnectionGauge(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, _ := newTestOracle(t, store)
	tn := store.tenants["t1"]

	live := int64(0)
	o.SetConnectionGauge(func(context.Context, string) (int64, error) {
		return live, nil
	})

	assert.NoError(t, o.Admit(context.Background(), tn, KindConnection))

	live = 10
	err := o.Admit(context.Background(), tn, KindConnection)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindConnection, qe.Kind)
}

func TestAdmitUnlimited(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": {ID: "t1", Status: StatusActive}}}
	o, _ := newTestOracle(t, store)

	// Zero limits mean unlimited.
	assert.NoError(t, o.Admit(context.Background(), store.tenants["t1"], KindMessage))
	assert.NoError(t, o.Admit(context.Background(), store.tenants["t1"], KindAPICall))
}

func TestAdmitFailsOpenOnCounterError(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, mr := newTestOracle(t, store)

	mr.Close()
	assert.NoError(t, o.Admit(context.Background(), store.tenants["t1"], KindAPICall))
}

func TestAccountAsync(t *testing.T) {
	store := &fakeStore{tenants: map[string]*Tenant{"t1": activeTenant("t1")}}
	o, _ := newTestOracle(t, store)

	o.Account("t1", KindAPICall, 1)
	o.Account("t1", KindAPICall, 1)

	assert.Eventually(t, func() bool {
		n, err := o.readCounter(context.Background(), o.minuteKey("t1", time.Now()))
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWindowKeysRoll(t *testing.T) {
	o := &Oracle{prefix: "gw:"}

	m1 := time.Date(2026, 8, 24, 10, 30, 59, 0, time.UTC)
	m2 := m1.Add(time.Second)
	assert.NotEqual(t, o.minuteKey("t1", m1), o.minuteKey("t1", m2))

	d1 := time.Date(2026, 8, 24, 23, 59, 59, 0, time.UTC)
	d2 := d1.Add(time.Second)
	assert.NotEqual(t, o.dayKey("t1", d1), o.dayKey("t1", d2))
	assert.Equal(t, time.Second, untilUTCMidnight(d1))
}

func TestQuotaErrorMessage(t *testing.T) {
	qe := &QuotaError{Kind: KindMessage, Current: 1000, Limit: 1000, ResetIn: 90 * time.Second}
	assert.Contains(t, qe.Error(), "message")
	assert.Contains(t, qe.Error(), "1000/1000")
	var target *QuotaError
	assert.True(t, errors.As(error(qe), &target))
}
