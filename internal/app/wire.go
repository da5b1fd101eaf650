package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/poolsight/internal/cache/redis"
	"github.com/alanyoungcy/poolsight/internal/chain"
	"github.com/alanyoungcy/poolsight/internal/config"
	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/metrics"
	"github.com/alanyoungcy/poolsight/internal/notify"
	"github.com/alanyoungcy/poolsight/internal/service"
	"github.com/alanyoungcy/poolsight/internal/tranche"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Metrics
	Chain   *chain.Client

	// Redis-backed; nil when redis.enabled is false.
	Redis         *redis.Client
	SnapshotCache domain.SnapshotCache
	TokenCache    domain.TokenCache
	SignalBus     domain.SignalBus
	LockManager   domain.LockManager
	RateLimiter   domain.RateLimiter

	// Notifier is nil when no alert channel is configured.
	Notifier *notify.Notifier

	Engine  *service.Engine
	Tracker *service.Tracker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New("poolsight")}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
		deps.TokenCache = redis.NewTokenCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	} else {
		logger.WarnContext(ctx, "wire: redis disabled, snapshots are kept in memory only")
	}

	// --- Chain ---
	opts := []chain.Option{
		chain.WithMetrics(deps.Metrics),
		chain.WithLogger(logger),
		chain.WithBlockRange(cfg.Chain.BlockRange),
		chain.WithConcurrency(cfg.Chain.Concurrency),
	}
	if cfg.Chain.RequestsPerSecond > 0 {
		opts = append(opts, chain.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Chain.RequestsPerSecond), cfg.Chain.Burst)))
	}
	// The node may serve any supported chain; the engine answers with empty
	// snapshots for the rest.
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, 0, opts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient

	network := buildNetwork(cfg)
	if !network.Supports(chainClient.ChainID()) {
		logger.WarnContext(ctx, "wire: connected to an unsupported network, snapshots will be empty",
			slog.Uint64("chain_id", chainClient.ChainID()),
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var alerts service.Alerter
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.NotifyThrottle(), logger)
		alerts = deps.Notifier
	}

	// --- Services ---
	deps.Engine = service.NewEngine(chainClient, deps.TokenCache, service.EngineConfig{
		Network:                network,
		Params:                 trancheParams(cfg.Protocol),
		WithdrawFeeDenominator: int64(cfg.Protocol.WithdrawFeeDenominator),
	}, logger)

	locks := deps.LockManager
	if cfg.Mode == "snapshot" {
		// A one-shot run always computes, even while a server holds the lock.
		locks = nil
	}
	deps.Tracker = service.NewTracker(
		deps.Engine,
		deps.SnapshotCache,
		deps.TokenCache,
		deps.SignalBus,
		locks,
		deps.Metrics,
		service.TrackerConfig{
			Borrowers:        addresses(cfg.Watch.Borrowers),
			CapitalProviders: addresses(cfg.Watch.CapitalProviders),
			SnapshotTTL:      cfg.SnapshotTTL(),
			LockTTL:          cfg.LockTTL(),
			OnDemandIdle:     cfg.OnDemandIdle(),
			MaxOnDemand:      cfg.Refresh.MaxOnDemand,
			Alerts:           alerts,
		},
		logger,
	)

	return deps, cleanup, nil
}

// buildNetwork converts the validated contract addresses.
func buildNetwork(cfg *config.Config) service.Network {
	return service.Network{
		ChainID:         cfg.Chain.ChainID,
		SupportedChains: cfg.Chain.SupportedChainIDs,
		FromBlock:       cfg.Chain.FromBlock,
		USDC:            common.HexToAddress(cfg.Contracts.USDC),
		FIDU:            common.HexToAddress(cfg.Contracts.FIDU),
		SeniorPool:      common.HexToAddress(cfg.Contracts.SeniorPool),
		LegacyPool:      common.HexToAddress(cfg.Contracts.LegacyPool),
		CreditDesk:      common.HexToAddress(cfg.Contracts.CreditDesk),
		TranchedPools:   addresses(cfg.Contracts.TranchedPools),
	}
}

// trancheParams converts the configured protocol constants to fractions.
func trancheParams(p config.ProtocolConfig) tranche.Params {
	params := tranche.DefaultParams
	if p.DefaultLeverageRatio > 0 {
		params.DefaultLeverageRatio = decimal.NewFromFloat(p.DefaultLeverageRatio)
	}
	params.JuniorFeeFraction = decimal.NewFromInt(int64(p.JuniorFeePercent)).Div(decimal.NewFromInt(100))
	if p.ReserveFeeDenominator > 0 {
		params.ReserveFeeFraction = decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(p.ReserveFeeDenominator)))
	}
	return params
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}
