package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

type stubStore struct {
	mu      sync.Mutex
	nextID  int64
	proxies map[int64]domain.Proxy
}

func newStubStore(proxies ...domain.Proxy) *stubStore {
	s := &stubStore{proxies: make(map[int64]domain.Proxy)}
	for _, p := range proxies {
		if p.ID == 0 {
			s.nextID++
			p.ID = s.nextID
		} else if p.ID > s.nextID {
			s.nextID = p.ID
		}
		s.proxies[p.ID] = p
	}
	return s
}

func (s *stubStore) Create(_ context.Context, p domain.Proxy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.proxies {
		if existing.URL == p.URL {
			return 0, domain.ErrAlreadyExists
		}
	}
	s.nextID++
	p.ID = s.nextID
	s.proxies[p.ID] = p
	return p.ID, nil
}

func (s *stubStore) Update(_ context.Context, p domain.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.proxies[p.ID] = p
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id int64) (domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return domain.Proxy{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubStore) List(_ context.Context) ([]domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		out = append(out, p)
	}
	return out, nil
}

type stubProvider struct {
	urls []string
	err  error
}

func (sp stubProvider) Fetch(context.Context) ([]string, error) { return sp.urls, sp.err }

type stubProber struct {
	reject map[string]bool
	probed []string
}

func (sp *stubProber) Probe(_ context.Context, proxyURL string) error {
	sp.probed = append(sp.probed, proxyURL)
	if sp.reject[proxyURL] {
		return errors.New("unreachable")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, store domain.ProxyStore, cfg Config) *Pool {
	t.Helper()
	p := NewPool(store, nil, nil, cfg, discardLogger())
	require.NoError(t, p.Load(context.Background()))
	return p
}

func activeProxy(id int64, url string) domain.Proxy {
	return domain.Proxy{ID: id, URL: url, Status: domain.ProxyStatusActive, IsActive: true}
}

func TestPoolLeaseOrder(t *testing.T) {
	now := time.Now().UTC()
	older := now.Add(-2 * time.Hour)
	newer := now.Add(-time.Minute)

	flaky := activeProxy(1, "http://flaky:8080")
	flaky.SuccessCount, flaky.FailureCount = 1, 1
	flaky.LastUsedAt = &older

	steady := activeProxy(2, "http://steady:8080")
	steady.SuccessCount = 4
	steady.LastUsedAt = &newer

	fresh := activeProxy(3, "http://fresh:8080")

	pool := newTestPool(t, newStubStore(flaky, steady, fresh), Config{})

	// Never-used beats used at equal failure rate, and a clean record
	// beats a flaky one regardless of recency.
	first, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.ProxyID)

	second, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ProxyID)

	third, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)
	assert.Equal(t, int64(1), third.ProxyID)

	_, err = pool.Lease(domain.ExchangeBinance)
	assert.ErrorIs(t, err, domain.ErrNoProxyAvailable)
}

func TestPoolLeaseExclusiveUntilRelease(t *testing.T) {
	pool := newTestPool(t, newStubStore(activeProxy(1, "http://one:8080")), Config{})

	lease, err := pool.Lease(domain.ExchangeOKX)
	require.NoError(t, err)

	_, err = pool.Lease(domain.ExchangeOKX)
	assert.ErrorIs(t, err, domain.ErrNoProxyAvailable)

	pool.Release(context.Background(), lease, Success(120*time.Millisecond))

	_, err = pool.Lease(domain.ExchangeOKX)
	assert.NoError(t, err)
}

func TestPoolRateLimitCooldownIsPerExchange(t *testing.T) {
	ctx := context.Background()
	store := newStubStore(activeProxy(1, "http://one:8080"))
	pool := newTestPool(t, store, Config{RateLimitCooldown: time.Minute})

	lease, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)
	pool.Release(ctx, lease, RateLimited(0))

	// Cooled down for the exchange that throttled it, free elsewhere.
	_, err = pool.Lease(domain.ExchangeBinance)
	assert.ErrorIs(t, err, domain.ErrNoProxyAvailable)

	okx, err := pool.Lease(domain.ExchangeOKX)
	require.NoError(t, err)
	assert.Equal(t, int64(1), okx.ProxyID)

	stored, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyStatusRateLimited, stored.Status)
	assert.Equal(t, int64(1), stored.RateLimitCount)
	assert.WithinDuration(t,
		time.Now().UTC().Add(time.Minute),
		stored.CooldownUntil[domain.ExchangeBinance],
		5*time.Second,
	)
}

func TestPoolRetryAfterOverridesDefaultCooldown(t *testing.T) {
	ctx := context.Background()
	store := newStubStore(activeProxy(1, "http://one:8080"))
	pool := newTestPool(t, store, Config{RateLimitCooldown: time.Hour})

	lease, err := pool.Lease(domain.ExchangeBybit)
	require.NoError(t, err)
	pool.Release(ctx, lease, RateLimited(30*time.Second))

	stored, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.WithinDuration(t,
		time.Now().UTC().Add(30*time.Second),
		stored.CooldownUntil[domain.ExchangeBybit],
		5*time.Second,
	)
}

func TestPoolFailureLadder(t *testing.T) {
	ctx := context.Background()
	store := newStubStore(activeProxy(1, "http://one:8080"))
	pool := newTestPool(t, store, Config{FailureCooldown: time.Minute, BanAfterConsecutive: 5})

	fail := func() {
		lease, err := pool.Lease(domain.ExchangeBybit)
		require.NoError(t, err)
		pool.Release(ctx, lease, Failed("connect refused"))
	}
	expire := func() {
		pool.mu.Lock()
		past := time.Now().UTC().Add(-time.Second)
		pool.entries[1].proxy.GlobalCooldownUntil = &past
		pool.mu.Unlock()
	}

	// Two failures leave the proxy in rotation.
	fail()
	fail()
	stored, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyStatusActive, stored.Status)
	assert.Nil(t, stored.GlobalCooldownUntil)

	// Third consecutive failure starts the global cool-down.
	fail()
	stored, err = store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyStatusCoolingDown, stored.Status)
	require.NotNil(t, stored.GlobalCooldownUntil)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), *stored.GlobalCooldownUntil, 5*time.Second)

	// Fourth doubles the window.
	expire()
	fail()
	stored, err = store.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, stored.GlobalCooldownUntil)
	assert.WithinDuration(t, time.Now().UTC().Add(2*time.Minute), *stored.GlobalCooldownUntil, 5*time.Second)

	// Fifth bans outright.
	expire()
	fail()
	stored, err = store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyStatusBanned, stored.Status)
	require.NotNil(t, stored.BannedAt)

	_, err = pool.Lease(domain.ExchangeBybit)
	assert.ErrorIs(t, err, domain.ErrNoProxyAvailable)
}

func TestPoolSuccessResetsFailureLadder(t *testing.T) {
	ctx := context.Background()
	store := newStubStore(activeProxy(1, "http://one:8080"))
	pool := newTestPool(t, store, Config{})

	for i := 0; i < 2; i++ {
		lease, err := pool.Lease(domain.ExchangeBinance)
		require.NoError(t, err)
		pool.Release(ctx, lease, Failed("timeout"))
	}

	lease, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)
	pool.Release(ctx, lease, Success(80*time.Millisecond))

	stored, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyStatusActive, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveFail)
	assert.Equal(t, int64(2), stored.FailureCount)
	assert.Equal(t, int64(1), stored.SuccessCount)
	require.NotNil(t, stored.LastSuccessAt)
}

func TestPoolRefreshImportsToFloor(t *testing.T) {
	ctx := context.Background()
	store := newStubStore(activeProxy(1, "http://existing:8080"))
	provider := stubProvider{urls: []string{
		"http://existing:8080", // already known, skipped
		"http://dead:8080",     // fails the probe
		"http://fresh-a:8080",
		"http://fresh-b:8080",
		"http://fresh-c:8080", // beyond the floor, never reached
	}}
	prober := &stubProber{reject: map[string]bool{"http://dead:8080": true}}

	pool := NewPool(store, provider, prober, Config{MinActive: 3}, discardLogger())
	require.NoError(t, pool.Refresh(ctx))

	assert.Equal(t, 3, pool.UsableCount())
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	assert.NotContains(t, prober.probed, "http://existing:8080")
	assert.NotContains(t, prober.probed, "http://fresh-c:8080")
}

func TestPoolRefreshAtFloorSkipsProvider(t *testing.T) {
	store := newStubStore(
		activeProxy(1, "http://a:8080"),
		activeProxy(2, "http://b:8080"),
	)
	provider := stubProvider{err: errors.New("provider should not be called")}

	pool := NewPool(store, provider, nil, Config{MinActive: 2}, discardLogger())
	require.NoError(t, pool.Refresh(context.Background()))
	assert.Equal(t, 2, pool.UsableCount())
}

func TestGlobalCooldownWindow(t *testing.T) {
	base := 2 * time.Minute
	assert.Equal(t, 2*time.Minute, globalCooldownWindow(base, 3))
	assert.Equal(t, 4*time.Minute, globalCooldownWindow(base, 4))
	assert.Equal(t, 8*time.Minute, globalCooldownWindow(base, 5))
	assert.Equal(t, maxGlobalCooldown, globalCooldownWindow(base, 20))
}

func TestPoolSnapshot(t *testing.T) {
	pool := newTestPool(t, newStubStore(
		activeProxy(2, "http://b:8080"),
		activeProxy(1, "http://a:8080"),
	), Config{})

	lease, err := pool.Lease(domain.ExchangeBinance)
	require.NoError(t, err)

	snap := pool.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].Proxy.ID)
	assert.Equal(t, int64(2), snap[1].Proxy.ID)

	for _, st := range snap {
		if st.Proxy.ID == lease.ProxyID {
			assert.True(t, st.Leased)
		} else {
			assert.False(t, st.Leased)
		}
	}
}
