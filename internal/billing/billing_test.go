package billing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temerio/api/internal/clock"
	"temerio/api/internal/remote"
)

type fakeInvoker struct {
	calls     atomic.Int32
	onceCalls atomic.Int32
	response  string
	err       error
	gate      chan struct{}
	lastBody  any
	mu        sync.Mutex
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, _ string, body, out any) error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.respond(body, out)
}

func (f *fakeInvoker) InvokeOnce(_ context.Context, _ string, _ string, body, out any) error {
	f.onceCalls.Add(1)
	return f.respond(body, out)
}

func (f *fakeInvoker) respond(body, out any) error {
	f.mu.Lock()
	f.lastBody = body
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if out != nil && f.response != "" {
		return json.Unmarshal([]byte(f.response), out)
	}
	return nil
}

var testCatalog = Catalog{
	Prices:      map[string]string{CycleMonthly: "price_m", CycleYearly: "price_y"},
	ProProducts: []string{"prod_pro"},
}

func TestElevatedRolesSkipRemote(t *testing.T) {
	fake := &fakeInvoker{}
	checker := NewChecker(fake, testCatalog)

	for _, role := range []string{"admin", "premium_comp"} {
		status, err := checker.Check(context.Background(), Caller{UserID: "u1", Roles: []string{role}})
		require.NoError(t, err)
		assert.True(t, status.Subscribed)
		assert.Equal(t, TierPro, status.Tier)
	}
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestCheckMapsTierFromProduct(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":true,"product_id":"prod_pro","subscription_end":"2026-12-01T00:00:00Z"}`}
	status, err := NewChecker(fake, testCatalog).Check(context.Background(), Caller{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, TierPro, status.Tier)
	require.NotNil(t, status.SubscriptionEnd)
	assert.Equal(t, 2026, status.SubscriptionEnd.Year())

	fake.response = `{"subscribed":true,"product_id":"prod_other","subscription_end":null}`
	status, err = NewChecker(fake, testCatalog).Check(context.Background(), Caller{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, TierFree, status.Tier)
	assert.Nil(t, status.SubscriptionEnd)

	fake.response = `{"subscribed":false,"product_id":null}`
	status, err = NewChecker(fake, testCatalog).Check(context.Background(), Caller{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
	assert.Equal(t, TierFree, status.Tier)
}

func TestConcurrentChecksCoalesce(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":false}`, gate: make(chan struct{})}
	checker := NewChecker(fake, testCatalog)

	var wg, started sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, _ = checker.Check(context.Background(), Caller{UserID: "u1"})
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return fake.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestMonitorKeepsSnapshotOnFailure(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":true,"product_id":"prod_pro"}`}
	c := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	monitor := NewMonitor(NewChecker(fake, testCatalog), c, time.Minute)
	caller := Caller{UserID: "u1", Token: "t"}

	snap, err := monitor.Get(context.Background(), caller)
	require.NoError(t, err)
	assert.True(t, snap.Subscribed)
	assert.False(t, snap.Loading)

	fake.err = errors.New("billing down")
	c.Advance(time.Minute)
	snap, err = monitor.Refresh(context.Background(), caller)
	require.Error(t, err)
	assert.True(t, snap.Subscribed, "previous snapshot is kept")
	assert.False(t, snap.Loading)

	stored, ok := monitor.Snapshot("u1")
	require.True(t, ok)
	assert.Equal(t, TierPro, stored.Tier)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), stored.CheckedAt)
}

func TestMonitorGetUsesCachedSnapshot(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":false}`}
	monitor := NewMonitor(NewChecker(fake, testCatalog), clock.NewManual(time.Unix(0, 0)), time.Minute)
	caller := Caller{UserID: "u1"}

	_, err := monitor.Get(context.Background(), caller)
	require.NoError(t, err)
	_, err = monitor.Get(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestMonitorTickChecksTrackedUsers(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":false}`}
	monitor := NewMonitor(NewChecker(fake, testCatalog), nil, time.Minute)

	monitor.Track(Caller{UserID: "u1"})
	monitor.Track(Caller{UserID: "u2"})
	monitor.Track(Caller{UserID: "u3", Roles: []string{"admin"}})
	monitor.Tick(context.Background())
	assert.Equal(t, int32(2), fake.calls.Load())

	monitor.Untrack("u1")
	monitor.Tick(context.Background())
	assert.Equal(t, int32(3), fake.calls.Load())
	assert.Equal(t, 2, monitor.Tracked())

	_, ok := monitor.Snapshot("u1")
	assert.False(t, ok)
}

func TestMonitorDropsExpiredSessions(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":false}`}
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewManual(start)
	monitor := NewMonitor(NewChecker(fake, testCatalog), c, time.Minute)

	monitor.Track(Caller{UserID: "u1", SessionID: "s1", Token: "t1", ExpiresAt: start.Add(15 * time.Minute)})
	monitor.Track(Caller{UserID: "u2", SessionID: "s2", Token: "t2"})

	monitor.Tick(context.Background())
	assert.Equal(t, int32(2), fake.calls.Load())

	c.Advance(15 * time.Minute)
	for i := 0; i < 10; i++ {
		monitor.Tick(context.Background())
	}
	assert.Equal(t, int32(12), fake.calls.Load(), "only the unexpired session is polled")
	assert.Equal(t, 1, monitor.Tracked())
	_, ok := monitor.Snapshot("s1")
	assert.False(t, ok)

	monitor.Track(Caller{UserID: "u3", SessionID: "s3", ExpiresAt: c.Now().Add(-time.Second)})
	assert.Equal(t, 1, monitor.Tracked(), "already expired callers are not tracked")
}

func TestMonitorUntracksRejectedToken(t *testing.T) {
	fake := &fakeInvoker{err: &remote.Error{Function: checkSubscriptionFn, Status: 401, Attempts: 1, Cause: errors.New("jwt expired")}}
	monitor := NewMonitor(NewChecker(fake, testCatalog), clock.NewManual(time.Unix(0, 0)), time.Minute)

	monitor.Track(Caller{UserID: "u1", SessionID: "s1", Token: "expired-access-token"})
	for i := 0; i < 100; i++ {
		monitor.Tick(context.Background())
	}
	assert.Equal(t, int32(1), fake.calls.Load())
	assert.Equal(t, 0, monitor.Tracked())
}

func TestMonitorKeepsSessionOnTransientFailure(t *testing.T) {
	fake := &fakeInvoker{err: &remote.Error{Function: checkSubscriptionFn, Status: 503, Attempts: 3, Transient: true, Cause: errors.New("unavailable")}}
	monitor := NewMonitor(NewChecker(fake, testCatalog), clock.NewManual(time.Unix(0, 0)), time.Minute)

	monitor.Track(Caller{UserID: "u1", SessionID: "s1", Token: "t"})
	monitor.Tick(context.Background())
	monitor.Tick(context.Background())
	assert.Equal(t, int32(2), fake.calls.Load())
	assert.Equal(t, 1, monitor.Tracked())
}

func TestMonitorTracksSessionsIndependently(t *testing.T) {
	fake := &fakeInvoker{response: `{"subscribed":false}`}
	monitor := NewMonitor(NewChecker(fake, testCatalog), clock.NewManual(time.Unix(0, 0)), time.Minute)

	laptop := Caller{UserID: "u1", SessionID: "laptop", Token: "a"}
	phone := Caller{UserID: "u1", SessionID: "phone", Token: "b"}
	monitor.Track(laptop)
	monitor.Track(phone)
	assert.Equal(t, 2, monitor.Tracked())

	monitor.Untrack("laptop")
	monitor.Tick(context.Background())
	assert.Equal(t, 1, monitor.Tracked())
	_, ok := monitor.Snapshot("phone")
	assert.True(t, ok)
	_, ok = monitor.Snapshot("laptop")
	assert.False(t, ok, "tick does not re-track an untracked session")
}

func TestCheckoutResolvesPriceAndReturnsURL(t *testing.T) {
	fake := &fakeInvoker{response: `{"url":"https://checkout.example.com/s/1"}`}
	url, err := NewCheckout(fake, testCatalog).Start(context.Background(), Caller{UserID: "u1", Token: "t"}, "Yearly")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com/s/1", url)
	assert.Equal(t, int32(1), fake.onceCalls.Load())
	assert.Equal(t, int32(0), fake.calls.Load())
	assert.Equal(t, map[string]string{"priceId": "price_y"}, fake.lastBody)
}

func TestCheckoutFailures(t *testing.T) {
	fake := &fakeInvoker{response: `{}`}
	checkout := NewCheckout(fake, testCatalog)

	_, err := checkout.Start(context.Background(), Caller{UserID: "u1"}, "weekly")
	assert.ErrorIs(t, err, ErrUnknownCycle)
	assert.Equal(t, int32(0), fake.onceCalls.Load())

	_, err = checkout.Start(context.Background(), Caller{UserID: "u1"}, CycleMonthly)
	assert.ErrorIs(t, err, ErrMissingURL)

	fake.err = errors.New("boom")
	_, err = checkout.Start(context.Background(), Caller{UserID: "u1"}, CycleMonthly)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(2), fake.onceCalls.Load())
}

func TestLoadCatalogWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prices:\n  monthly: price_file_m\n  yearly: price_file_y\npro_products:\n  - prod_a\n"), 0o644))
	t.Setenv("BILLING_PRICE_MONTHLY", "price_env_m")
	t.Setenv("BILLING_PRICE_YEARLY", "")
	t.Setenv("BILLING_PRO_PRODUCTS", "prod_b, prod_c")

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	monthly, ok := catalog.PriceID("monthly")
	assert.True(t, ok)
	assert.Equal(t, "price_env_m", monthly)
	yearly, _ := catalog.PriceID("yearly")
	assert.Equal(t, "price_file_y", yearly)
	assert.Equal(t, TierPro, catalog.TierFor("prod_c"))
	assert.Equal(t, TierFree, catalog.TierFor("prod_a"))
}

func TestLoadCatalogMissingFile(t *testing.T) {
	t.Setenv("BILLING_PRICE_MONTHLY", "")
	t.Setenv("BILLING_PRICE_YEARLY", "")
	t.Setenv("BILLING_PRO_PRODUCTS", "")
	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, ok := catalog.PriceID(CycleMonthly)
	assert.False(t, ok)
}

func TestLoadCatalogRepoExample(t *testing.T) {
	t.Setenv("BILLING_PRICE_MONTHLY", "")
	t.Setenv("BILLING_PRICE_YEARLY", "")
	t.Setenv("BILLING_PRO_PRODUCTS", "")
	catalog, err := LoadCatalog(filepath.Join("..", "..", "config", "billing.yaml"))
	require.NoError(t, err)
	_, ok := catalog.PriceID(CycleYearly)
	assert.True(t, ok)
	assert.NotEmpty(t, catalog.ProProducts)
}
