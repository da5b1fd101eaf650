package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "test"), mr
}

func TestSnapshotCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	sc := NewSnapshotCache(c)

	ok, err := sc.Set(ctx, 1, "senior_pool", "0xabc", []byte(`{"a":1}`), 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := sc.Get(ctx, 1, "senior_pool", "0xabc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.True(t, mr.Exists("test:1:snapshot:senior_pool:0xabc"))
	assert.Equal(t, "10", mr.HGet("test:1:snapshot:senior_pool:0xabc", "version"))

	_, err = sc.Get(ctx, 5, "senior_pool", "0xabc")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mr.FastForward(2 * time.Minute)
	_, err = sc.Get(ctx, 1, "senior_pool", "0xabc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotCache_OlderVersionDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	sc := NewSnapshotCache(c)

	ok, err := sc.Set(ctx, 1, "pool", "a", []byte(`"new"`), 200, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a slower refresh that started earlier finishes last
	ok, err = sc.Set(ctx, 1, "pool", "a", []byte(`"old"`), 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := sc.Get(ctx, 1, "pool", "a")
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(got))

	ok, err = sc.Set(ctx, 1, "pool", "a", []byte(`"newer"`), 300, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = sc.Get(ctx, 1, "pool", "a")
	assert.Equal(t, `"newer"`, string(got))
}

func TestSnapshotCache_InvalidateNetworkIsScoped(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	sc := NewSnapshotCache(c)

	for _, e := range []struct {
		chainID uint64
		key     string
	}{{1, "a"}, {1, "b"}, {4, "a"}} {
		_, err := sc.Set(ctx, e.chainID, "pool", e.key, []byte("1"), 1, 0)
		require.NoError(t, err)
	}

	require.NoError(t, sc.InvalidateNetwork(ctx, 1))

	_, err := sc.Get(ctx, 1, "pool", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = sc.Get(ctx, 1, "pool", "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := sc.Get(ctx, 4, "pool", "a")
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))
}

func TestTokenCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	tc := NewTokenCache(c)
	usdc := domain.Token{
		ChainID:  1,
		Ticker:   "usdc",
		Address:  common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"),
		Decimals: 6,
	}

	_, err := tc.Get(ctx, 1, "USDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, tc.Set(ctx, usdc))
	got, err := tc.Get(ctx, 1, "USDC")
	require.NoError(t, err)
	assert.Equal(t, "USDC", got.Ticker)
	assert.Equal(t, usdc.Address, got.Address)
	assert.Equal(t, int32(6), got.Decimals)

	require.NoError(t, tc.InvalidateNetwork(ctx, 1))
	_, err = tc.Get(ctx, 1, "USDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBus_PatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	ch, err := bus.Subscribe(ctx, domain.SnapshotChannel("*"))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.SnapshotChannel("senior_pool"), []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalBus_NamespacedByPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, mr := newTestClient(t)
	other := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "other")
	t.Cleanup(func() { _ = other.Close() })

	ch, err := NewSignalBus(c).Subscribe(ctx, domain.SnapshotChannel("borrower"))
	require.NoError(t, err)

	require.NoError(t, NewSignalBus(other).Publish(ctx, domain.SnapshotChannel("borrower"), []byte("foreign")))
	assert.Equal(t, 1, mr.PubSubNumSub("test:snapshots:borrower")["test:snapshots:borrower"])
	require.NoError(t, NewSignalBus(c).Publish(ctx, domain.SnapshotChannel("borrower"), []byte("ours")))

	select {
	case msg := <-ch:
		assert.Equal(t, "ours", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	lease, err := lm.Acquire(ctx, 1, "refresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:1:lock:refresh"))

	_, err = lm.Acquire(ctx, 1, "refresh", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// leases are per network
	other, err := lm.Acquire(ctx, 4, "refresh", time.Minute)
	require.NoError(t, err)
	other.Release()

	lease.Release()
	lease.Release()
	assert.False(t, mr.Exists("test:1:lock:refresh"))

	again, err := lm.Acquire(ctx, 1, "refresh", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestLockManager_Extend(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	lease, err := lm.Acquire(ctx, 1, "refresh", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("test:1:lock:refresh"))

	// expired and taken over by another replica
	mr.FastForward(time.Minute)
	successor, err := lm.Acquire(ctx, 1, "refresh", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, lease.Extend(ctx, time.Minute), domain.ErrLockLost)
	lease.Release()
	assert.True(t, mr.Exists("test:1:lock:refresh"), "stale owner must not release the successor's lease")
	successor.Release()
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
