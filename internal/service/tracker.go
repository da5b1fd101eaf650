package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/metrics"
	"github.com/alanyoungcy/poolsight/internal/notify"
	"github.com/alanyoungcy/poolsight/internal/refresh"
)

const (
	refreshLockName     = "refresh"
	deploymentKey       = "fingerprint"
	defaultMaxOnDemand  = 1024
	defaultOnDemandIdle = 30 * time.Minute
)

// TrackerConfig lists the entities refreshed on every cycle.
type TrackerConfig struct {
	Borrowers        []common.Address
	CapitalProviders []common.Address
	SnapshotTTL      time.Duration
	// LockTTL bounds how long one replica holds the refresh lock without
	// renewing it.
	LockTTL time.Duration
	// Addresses requested through the API that are not configured are kept
	// fresh until unused for OnDemandIdle. At most MaxOnDemand of each kind
	// are kept, least recently used evicted first.
	OnDemandIdle time.Duration
	MaxOnDemand  int
	// Alerts receives refresh cycle failures and recoveries. Optional.
	Alerts Alerter
}

// Alerter forwards operator alerts. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
	Reset(event string)
}

// Update is the envelope published on the signal bus and stored in the
// snapshot cache for every applied snapshot. Version orders snapshots of one
// entity across replicas: a higher version was started later.
type Update struct {
	Entity    string          `json:"entity"`
	Key       string          `json:"key"`
	ChainID   uint64          `json:"chainId"`
	RefreshID string          `json:"refreshId"`
	Version   int64           `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// Tracker owns the latest snapshot of every tracked entity. Overlapping
// refreshes of one entity resolve last-started-wins: a refresh that finishes
// after a newer one has started is discarded.
//
// With a lock manager, one replica per network refreshes the configured
// entities and the others adopt its results from the snapshot cache.
type Tracker struct {
	engine  *Engine
	cache   domain.SnapshotCache
	tokens  domain.TokenCache
	bus     domain.SignalBus
	locks   domain.LockManager
	metrics *metrics.Metrics
	cfg     TrackerConfig
	logger  *slog.Logger

	seniorPool refresh.Guard[SeniorPoolSnapshot]
	pools      refresh.Group[TranchedPoolSnapshot]
	borrowers  refresh.Group[BorrowerSnapshot]
	providers  refresh.Group[CapitalProviderSnapshot]

	lastRefresh atomic.Int64
	failing     atomic.Bool
}

// NewTracker creates a Tracker. cache, tokens, bus, locks and m may be nil.
func NewTracker(
	engine *Engine,
	cache domain.SnapshotCache,
	tokens domain.TokenCache,
	bus domain.SignalBus,
	locks domain.LockManager,
	m *metrics.Metrics,
	cfg TrackerConfig,
	logger *slog.Logger,
) *Tracker {
	if cfg.MaxOnDemand <= 0 {
		cfg.MaxOnDemand = defaultMaxOnDemand
	}
	if cfg.OnDemandIdle <= 0 {
		cfg.OnDemandIdle = defaultOnDemandIdle
	}
	t := &Tracker{
		engine:  engine,
		cache:   cache,
		tokens:  tokens,
		bus:     bus,
		locks:   locks,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "tracker")),
	}
	t.pools.Pin(keys(engine.Network().TranchedPools)...)
	t.borrowers.Pin(keys(cfg.Borrowers)...)
	t.providers.Pin(keys(cfg.CapitalProviders)...)
	t.pools.SetLimit(cfg.MaxOnDemand)
	t.borrowers.SetLimit(cfg.MaxOnDemand)
	t.providers.SetLimit(cfg.MaxOnDemand)
	return t
}

// Engine exposes the underlying engine.
func (t *Tracker) Engine() *Engine {
	return t.engine
}

// ChainID is the id of the connected network.
func (t *Tracker) ChainID() uint64 {
	return t.engine.ChainID()
}

// Decimals returns the token decimals used to scale amounts.
func (t *Tracker) Decimals(ctx context.Context) (ledger.Decimals, error) {
	return t.engine.Decimals(ctx)
}

// LastRefresh is when the data served was last brought up to date, zero if
// it never was. On a replica following another's refreshes it is when the
// newest adopted snapshot was started.
func (t *Tracker) LastRefresh() time.Time {
	ms := t.lastRefresh.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (t *Tracker) markRefreshed(at time.Time) {
	ms := at.UnixMilli()
	for {
		cur := t.lastRefresh.Load()
		if ms <= cur || t.lastRefresh.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// RefreshSeniorPool recomputes the senior pool snapshot.
func (t *Tracker) RefreshSeniorPool(ctx context.Context) (SeniorPoolSnapshot, error) {
	return track(ctx, t, &t.seniorPool, EntitySeniorPool, t.seniorKey(), t.engine.SeniorPool)
}

// RefreshTranchedPool recomputes one tranched pool. Invalid addresses get an
// empty snapshot that is not tracked.
func (t *Tracker) RefreshTranchedPool(ctx context.Context, address string) (TranchedPoolSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.TranchedPool(ctx, address)
	}
	key := NormalizeKey(address)
	return t.refreshPool(ctx, t.pools.Get(key), key)
}

// RefreshBorrower recomputes one borrower.
func (t *Tracker) RefreshBorrower(ctx context.Context, address string) (BorrowerSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.Borrower(ctx, address)
	}
	key := NormalizeKey(address)
	return t.refreshBorrower(ctx, t.borrowers.Get(key), key)
}

// RefreshCapitalProvider recomputes one capital provider.
func (t *Tracker) RefreshCapitalProvider(ctx context.Context, address string) (CapitalProviderSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.CapitalProvider(ctx, address)
	}
	key := NormalizeKey(address)
	return t.refreshProvider(ctx, t.providers.Get(key), key)
}

func (t *Tracker) refreshPool(ctx context.Context, g *refresh.Guard[TranchedPoolSnapshot], key string) (TranchedPoolSnapshot, error) {
	return track(ctx, t, g, EntityTranchedPool, key, func(ctx context.Context) (TranchedPoolSnapshot, error) {
		return t.engine.TranchedPool(ctx, key)
	})
}

func (t *Tracker) refreshBorrower(ctx context.Context, g *refresh.Guard[BorrowerSnapshot], key string) (BorrowerSnapshot, error) {
	return track(ctx, t, g, EntityBorrower, key, func(ctx context.Context) (BorrowerSnapshot, error) {
		return t.engine.Borrower(ctx, key)
	})
}

func (t *Tracker) refreshProvider(ctx context.Context, g *refresh.Guard[CapitalProviderSnapshot], key string) (CapitalProviderSnapshot, error) {
	return track(ctx, t, g, EntityCapitalProvider, key, func(ctx context.Context) (CapitalProviderSnapshot, error) {
		return t.engine.CapitalProvider(ctx, key)
	})
}

// SeniorPool returns the latest senior pool snapshot, computing it on first use.
func (t *Tracker) SeniorPool(ctx context.Context) (SeniorPoolSnapshot, error) {
	if v, ok := t.seniorPool.Load(); ok {
		return v, nil
	}
	return t.RefreshSeniorPool(ctx)
}

// TranchedPool returns the latest snapshot of a pool, computing it on first use.
func (t *Tracker) TranchedPool(ctx context.Context, address string) (TranchedPoolSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.TranchedPool(ctx, address)
	}
	key := NormalizeKey(address)
	g := t.pools.Get(key)
	if v, ok := g.Load(); ok {
		return v, nil
	}
	return t.refreshPool(ctx, g, key)
}

// Pools returns the latest snapshot of every configured pool.
func (t *Tracker) Pools(ctx context.Context) ([]TranchedPoolSnapshot, error) {
	addrs := t.engine.Network().TranchedPools
	out := make([]TranchedPoolSnapshot, 0, len(addrs))
	for _, a := range addrs {
		p, err := t.TranchedPool(ctx, a.Hex())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Borrower returns the latest snapshot of a borrower, computing it on first use.
func (t *Tracker) Borrower(ctx context.Context, address string) (BorrowerSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.Borrower(ctx, address)
	}
	key := NormalizeKey(address)
	g := t.borrowers.Get(key)
	if v, ok := g.Load(); ok {
		return v, nil
	}
	return t.refreshBorrower(ctx, g, key)
}

// CapitalProvider returns the latest snapshot of a lender, computing it on first use.
func (t *Tracker) CapitalProvider(ctx context.Context, address string) (CapitalProviderSnapshot, error) {
	if _, ok := ParseAddress(address); !ok {
		return t.engine.CapitalProvider(ctx, address)
	}
	key := NormalizeKey(address)
	g := t.providers.Get(key)
	if v, ok := g.Load(); ok {
		return v, nil
	}
	return t.refreshProvider(ctx, g, key)
}

// RefreshAll brings every tracked entity up to date. Configured entities are
// recomputed by whichever replica holds the refresh lock; the others adopt
// its snapshots from the cache. Entities requested on demand are recomputed
// locally either way, and dropped once idle. Stale discards are not errors.
func (t *Tracker) RefreshAll(ctx context.Context) error {
	t.prune(ctx)

	if t.locks != nil {
		lease, err := t.locks.Acquire(ctx, t.engine.ChainID(), refreshLockName, t.lockTTL())
		if errors.Is(err, domain.ErrLockHeld) {
			t.logger.DebugContext(ctx, "tracker: refresh lock held elsewhere, following cached snapshots")
			return t.follow(ctx)
		}
		if err != nil {
			return fmt.Errorf("tracker: acquire lock: %w", err)
		}
		defer lease.Release()
		stop := t.keepAlive(ctx, lease)
		defer stop()
	}

	start := time.Now()
	if err := t.refreshTracked(ctx, true); err != nil {
		return err
	}
	t.markRefreshed(start)
	return nil
}

// refreshTracked recomputes the configured entities when configured is set,
// and the on-demand ones always.
func (t *Tracker) refreshTracked(ctx context.Context, configured bool) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	run := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, domain.ErrStaleRefresh) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	if configured {
		run(func() error { _, err := t.RefreshSeniorPool(ctx); return err })
		for _, p := range keys(t.engine.Network().TranchedPools) {
			run(func() error { _, err := t.refreshPool(ctx, t.pools.Get(p), p); return err })
		}
		for _, b := range keys(t.cfg.Borrowers) {
			run(func() error { _, err := t.refreshBorrower(ctx, t.borrowers.Get(b), b); return err })
		}
		for _, cp := range keys(t.cfg.CapitalProviders) {
			run(func() error { _, err := t.refreshProvider(ctx, t.providers.Get(cp), cp); return err })
		}
	}

	// Lookup rather than Get: a background refresh is not a use.
	for _, p := range t.pools.Unpinned() {
		if g, ok := t.pools.Lookup(p); ok {
			run(func() error { _, err := t.refreshPool(ctx, g, p); return err })
		}
	}
	for _, b := range t.borrowers.Unpinned() {
		if g, ok := t.borrowers.Lookup(b); ok {
			run(func() error { _, err := t.refreshBorrower(ctx, g, b); return err })
		}
	}
	for _, cp := range t.providers.Unpinned() {
		if g, ok := t.providers.Lookup(cp); ok {
			run(func() error { _, err := t.refreshProvider(ctx, g, cp); return err })
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// follow adopts the configured entities from the snapshot cache written by
// the replica holding the refresh lock, and refreshes this replica's
// on-demand entities itself.
func (t *Tracker) follow(ctx context.Context) error {
	var errs []error
	if t.cache != nil {
		var newest int64
		note := func(version int64, err error) {
			if err != nil {
				errs = append(errs, err)
			}
			newest = max(newest, version)
		}
		note(adopt(ctx, t, &t.seniorPool, EntitySeniorPool, t.seniorKey(), nil))
		for _, p := range keys(t.engine.Network().TranchedPools) {
			note(adopt(ctx, t, t.pools.Get(p), EntityTranchedPool, p, func(s *TranchedPoolSnapshot) {
				s.Economics.Params = t.engine.Params()
			}))
		}
		for _, b := range keys(t.cfg.Borrowers) {
			note(adopt(ctx, t, t.borrowers.Get(b), EntityBorrower, b, nil))
		}
		for _, cp := range keys(t.cfg.CapitalProviders) {
			note(adopt(ctx, t, t.providers.Get(cp), EntityCapitalProvider, cp, nil))
		}
		if newest > 0 && len(errs) == 0 {
			t.markRefreshed(time.UnixMicro(newest))
		}
	}
	errs = append(errs, t.refreshTracked(ctx, false))
	return errors.Join(errs...)
}

// keepAlive renews the lease every third of its TTL until stop is called, so
// a cycle slower than the TTL does not let a second replica start one.
func (t *Tracker) keepAlive(ctx context.Context, lease domain.Lease) (stop func()) {
	ttl := t.lockTTL()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, ttl); err != nil {
					if ctx.Err() == nil {
						t.logger.WarnContext(ctx, "tracker: refresh lease not renewed",
							slog.String("error", err.Error()),
						)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// prune drops on-demand entities nobody asked for within OnDemandIdle.
func (t *Tracker) prune(ctx context.Context) {
	n := len(t.pools.Prune(t.cfg.OnDemandIdle)) +
		len(t.borrowers.Prune(t.cfg.OnDemandIdle)) +
		len(t.providers.Prune(t.cfg.OnDemandIdle))
	if n > 0 {
		t.logger.DebugContext(ctx, "tracker: dropped idle on-demand entities", slog.Int("count", n))
	}
}

// RunLoop refreshes immediately and then every interval until ctx is done.
func (t *Tracker) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.cycle(ctx)
		}
	}
}

func (t *Tracker) cycle(ctx context.Context) {
	start := time.Now()
	if err := t.RefreshAll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.ErrorContext(ctx, "tracker: refresh cycle failed",
			slog.String("error", err.Error()),
		)
		t.failing.Store(true)
		t.alert(ctx, notify.EventRefreshFailed,
			fmt.Sprintf("poolsight: refresh failing on chain %d", t.engine.ChainID()), err.Error())
		return
	}
	t.logger.InfoContext(ctx, "tracker: refresh cycle complete",
		slog.Duration("elapsed", time.Since(start)),
	)
	if t.failing.Swap(false) {
		if t.cfg.Alerts != nil {
			t.cfg.Alerts.Reset(notify.EventRefreshFailed)
		}
		t.alert(ctx, notify.EventRefreshRecovered,
			fmt.Sprintf("poolsight: refresh recovered on chain %d", t.engine.ChainID()),
			fmt.Sprintf("cycle completed in %s", time.Since(start).Round(time.Millisecond)))
	}
}

func (t *Tracker) alert(ctx context.Context, event, title, message string) {
	if t.cfg.Alerts == nil {
		return
	}
	if err := t.cfg.Alerts.Notify(ctx, event, title, message); err != nil {
		t.logger.WarnContext(ctx, "tracker: alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// EnsureNetwork compares the deployment the cached snapshots were computed
// against with the configured one. When they differ, for instance after the
// contract addresses were changed, everything cached for the chain is
// dropped before the first refresh.
func (t *Tracker) EnsureNetwork(ctx context.Context) error {
	if t.cache == nil {
		return nil
	}
	chainID := t.engine.ChainID()
	want := t.engine.Network().Fingerprint()

	raw, err := t.cache.Get(ctx, chainID, EntityDeployment, deploymentKey)
	switch {
	case err == nil && string(raw) == want:
		return nil
	case err == nil:
		t.logger.WarnContext(ctx, "tracker: deployment changed, dropping cached snapshots",
			slog.Uint64("chain_id", chainID),
			slog.String("cached", string(raw)),
			slog.String("configured", want),
		)
		if err := t.InvalidateNetwork(ctx); err != nil {
			return err
		}
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("tracker: read deployment fingerprint: %w", err)
	}

	if _, err := t.cache.Set(ctx, chainID, EntityDeployment, deploymentKey, []byte(want), time.Now().UnixMicro(), 0); err != nil {
		return fmt.Errorf("tracker: store deployment fingerprint: %w", err)
	}
	return nil
}

// InvalidateNetwork drops every cached snapshot and token for the connected
// chain and invalidates in-flight refreshes.
func (t *Tracker) InvalidateNetwork(ctx context.Context) error {
	chainID := t.engine.ChainID()
	t.seniorPool.Reset()
	t.pools.ResetAll()
	t.borrowers.ResetAll()
	t.providers.ResetAll()

	var errs []error
	if t.cache != nil {
		errs = append(errs, t.cache.InvalidateNetwork(ctx, chainID))
	}
	if t.tokens != nil {
		errs = append(errs, t.tokens.InvalidateNetwork(ctx, chainID))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tracker: invalidate chain %d: %w", chainID, err)
	}
	t.logger.InfoContext(ctx, "tracker: network invalidated", slog.Uint64("chain_id", chainID))
	return nil
}

func (t *Tracker) lockTTL() time.Duration {
	if t.cfg.LockTTL > 0 {
		return t.cfg.LockTTL
	}
	return time.Minute
}

func (t *Tracker) seniorKey() string {
	return NormalizeKey(t.engine.Network().SeniorPool.Hex())
}

// track runs fn under the entity's generation guard and, when the result is
// applied, records it in the cache and on the bus.
func track[T any](ctx context.Context, t *Tracker, g *refresh.Guard[T], entity, key string, fn func(context.Context) (T, error)) (T, error) {
	refreshID := uuid.NewString()
	start := time.Now()
	gen := g.Begin()
	v, err := fn(ctx)
	if err == nil {
		err = g.Commit(gen, v)
	}
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, domain.ErrStaleRefresh):
		t.metrics.ObserveRefresh(entity, metrics.OutcomeStale, elapsed)
		t.logger.DebugContext(ctx, "tracker: discarded stale refresh",
			slog.String("entity", entity),
			slog.String("key", key),
			slog.String("refresh_id", refreshID),
		)
		var zero T
		return zero, err
	case err != nil:
		t.metrics.ObserveRefresh(entity, metrics.OutcomeError, elapsed)
		t.logger.WarnContext(ctx, "tracker: refresh failed",
			slog.String("entity", entity),
			slog.String("key", key),
			slog.String("refresh_id", refreshID),
			slog.String("error", err.Error()),
		)
		var zero T
		return zero, err
	}

	t.metrics.ObserveRefresh(entity, metrics.OutcomeApplied, elapsed)
	if t.cache != nil || t.bus != nil {
		g.Publish(gen, func(version int64) {
			t.emit(ctx, entity, key, refreshID, version, v)
		})
	}
	return v, nil
}

// emit writes an applied snapshot to the cache and the bus. It runs under the
// guard's publish lock, so emits of one entity happen in version order.
func (t *Tracker) emit(ctx context.Context, entity, key, refreshID string, version int64, v any) {
	snapshot, err := json.Marshal(v)
	if err != nil {
		t.logger.ErrorContext(ctx, "tracker: marshal snapshot",
			slog.String("entity", entity),
			slog.String("error", err.Error()),
		)
		return
	}
	chainID := t.engine.ChainID()
	payload, err := json.Marshal(Update{
		Entity:    entity,
		Key:       key,
		ChainID:   chainID,
		RefreshID: refreshID,
		Version:   version,
		Snapshot:  snapshot,
	})
	if err != nil {
		return
	}

	if t.cache != nil {
		stored, err := t.cache.Set(ctx, chainID, entity, key, payload, version, t.cfg.SnapshotTTL)
		switch {
		case err != nil:
			t.logger.WarnContext(ctx, "tracker: cache snapshot failed",
				slog.String("entity", entity),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		case !stored:
			// another replica cached a newer snapshot; ours is not news
			t.logger.DebugContext(ctx, "tracker: cached snapshot is newer, not publishing",
				slog.String("entity", entity),
				slog.String("key", key),
			)
			return
		}
	}
	if t.bus != nil {
		if err := t.bus.Publish(ctx, domain.SnapshotChannel(entity), payload); err != nil {
			t.logger.WarnContext(ctx, "tracker: publish snapshot failed",
				slog.String("entity", entity),
				slog.String("error", err.Error()),
			)
		}
	}
}

// adopt applies the cached snapshot of one entity if it is newer than the
// local value, and returns the cached version. fix restores fields that are
// not serialized. A missing entry is not an error.
func adopt[T any](ctx context.Context, t *Tracker, g *refresh.Guard[T], entity, key string, fix func(*T)) (int64, error) {
	raw, err := t.cache.Get(ctx, t.engine.ChainID(), entity, key)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tracker: read cached %s %s: %w", entity, key, err)
	}
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return 0, fmt.Errorf("tracker: decode cached %s %s: %w", entity, key, err)
	}
	var v T
	if err := json.Unmarshal(u.Snapshot, &v); err != nil {
		return 0, fmt.Errorf("tracker: decode cached %s %s: %w", entity, key, err)
	}
	if fix != nil {
		fix(&v)
	}
	if g.Adopt(v, u.Version) {
		t.metrics.ObserveAdopted(entity)
		t.logger.DebugContext(ctx, "tracker: adopted cached snapshot",
			slog.String("entity", entity),
			slog.String("key", key),
			slog.String("refresh_id", u.RefreshID),
		)
	}
	return u.Version, nil
}

// NormalizeKey is the lowercased checksum-free form used for cache keys.
func NormalizeKey(address string) string {
	if addr, ok := ParseAddress(address); ok {
		return strings.ToLower(addr.Hex())
	}
	return strings.ToLower(strings.TrimSpace(address))
}

func keys(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, NormalizeKey(a.Hex()))
	}
	return out
}
