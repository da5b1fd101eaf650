// Package config defines the top-level configuration for poolsight and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POOLSIGHT_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	Protocol  ProtocolConfig  `toml:"protocol"`
	Watch     WatchConfig     `toml:"watch"`
	Refresh   RefreshConfig   `toml:"refresh"`
	Redis     RedisConfig     `toml:"redis"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the JSON-RPC endpoint and read throttling.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ChainID           uint64   `toml:"chain_id"`
	SupportedChainIDs []uint64 `toml:"supported_chain_ids"`
	// FromBlock is the deployment block; log queries start here.
	FromBlock         uint64  `toml:"from_block"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	BlockRange        uint64  `toml:"block_range"`
	Concurrency       int     `toml:"concurrency"`
}

// ContractsConfig holds the protocol's deployed addresses on the configured chain.
type ContractsConfig struct {
	USDC          string   `toml:"usdc"`
	FIDU          string   `toml:"fidu"`
	SeniorPool    string   `toml:"senior_pool"`
	LegacyPool    string   `toml:"legacy_pool"`
	CreditDesk    string   `toml:"credit_desk"`
	TranchedPools []string `toml:"tranched_pools"`
}

// ProtocolConfig holds the protocol constants used by yield estimates.
type ProtocolConfig struct {
	DefaultLeverageRatio float64 `toml:"default_leverage_ratio"`
	JuniorFeePercent     int     `toml:"junior_fee_percent"`
	// ReserveFeeDenominator of 10 means a 1/10 reserve fee.
	ReserveFeeDenominator  int `toml:"reserve_fee_denominator"`
	WithdrawFeeDenominator int `toml:"withdraw_fee_denominator"`
}

// WatchConfig lists the addresses refreshed on every cycle.
type WatchConfig struct {
	Borrowers        []string `toml:"borrowers"`
	CapitalProviders []string `toml:"capital_providers"`
}

// RefreshConfig holds the tracker schedule. Addresses requested through the
// API but not listed under [watch] are refreshed until unused for
// on_demand_idle, at most max_on_demand of each kind.
type RefreshConfig struct {
	Interval     duration `toml:"interval"`
	SnapshotTTL  duration `toml:"snapshot_ttl"`
	LockTTL      duration `toml:"lock_ttl"`
	OnDemandIdle duration `toml:"on_demand_idle"`
	MaxOnDemand  int      `toml:"max_on_demand"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of requests one client may make per RateWindow.
	// Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds alert channel credentials. Alerts are off unless a
// channel is configured.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Throttle is the minimum gap between two alerts of the same event.
	Throttle duration `toml:"throttle"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:            "http://localhost:8545",
			ChainID:           1,
			SupportedChainIDs: []uint64{1, 31337},
			RequestsPerSecond: 20,
			Burst:             40,
			BlockRange:        100_000,
			Concurrency:       8,
		},
		Protocol: ProtocolConfig{
			DefaultLeverageRatio:   4,
			JuniorFeePercent:       20,
			ReserveFeeDenominator:  10,
			WithdrawFeeDenominator: 200,
		},
		Refresh: RefreshConfig{
			Interval:     duration{time.Minute},
			SnapshotTTL:  duration{10 * time.Minute},
			LockTTL:      duration{time.Minute},
			OnDemandIdle: duration{30 * time.Minute},
			MaxOnDemand:  1024,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			KeyPrefix:  "poolsight",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"refresh_failed", "refresh_recovered"},
			Throttle: duration{15 * time.Minute},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"snapshot": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEvents enumerates the alert event types in NotifyConfig.Events.
var validEvents = map[string]bool{
	"refresh_failed":    true,
	"refresh_recovered": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, snapshot)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID == 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if len(c.Chain.SupportedChainIDs) > 0 && !containsID(c.Chain.SupportedChainIDs, c.Chain.ChainID) {
		errs = append(errs, fmt.Sprintf("chain: chain_id %d is not in supported_chain_ids", c.Chain.ChainID))
	}
	if c.Chain.RequestsPerSecond < 0 {
		errs = append(errs, "chain: requests_per_second must be >= 0")
	}
	if c.Chain.RequestsPerSecond > 0 && c.Chain.Burst < 1 {
		errs = append(errs, "chain: burst must be >= 1 when requests_per_second is set")
	}
	if c.Chain.Concurrency < 0 {
		errs = append(errs, "chain: concurrency must be >= 0")
	}

	// Contracts
	for name, addr := range map[string]string{
		"usdc":        c.Contracts.USDC,
		"fidu":        c.Contracts.FIDU,
		"senior_pool": c.Contracts.SeniorPool,
		"credit_desk": c.Contracts.CreditDesk,
	} {
		if !validAddress(addr) {
			errs = append(errs, fmt.Sprintf("contracts: %s must be a non-zero hex address, got %q", name, addr))
		}
	}
	if c.Contracts.LegacyPool != "" && !common.IsHexAddress(c.Contracts.LegacyPool) {
		errs = append(errs, fmt.Sprintf("contracts: legacy_pool is not a hex address: %q", c.Contracts.LegacyPool))
	}
	for i, addr := range c.Contracts.TranchedPools {
		if !validAddress(addr) {
			errs = append(errs, fmt.Sprintf("contracts: tranched_pools[%d] is not a hex address: %q", i, addr))
		}
	}

	// Protocol
	if c.Protocol.DefaultLeverageRatio <= 0 {
		errs = append(errs, "protocol: default_leverage_ratio must be > 0")
	}
	if c.Protocol.JuniorFeePercent < 0 || c.Protocol.JuniorFeePercent > 100 {
		errs = append(errs, fmt.Sprintf("protocol: junior_fee_percent must be 0-100, got %d", c.Protocol.JuniorFeePercent))
	}
	if c.Protocol.ReserveFeeDenominator < 1 {
		errs = append(errs, "protocol: reserve_fee_denominator must be >= 1")
	}
	if c.Protocol.WithdrawFeeDenominator < 1 {
		errs = append(errs, "protocol: withdraw_fee_denominator must be >= 1")
	}

	// Watch
	for i, addr := range c.Watch.Borrowers {
		if !validAddress(addr) {
			errs = append(errs, fmt.Sprintf("watch: borrowers[%d] is not a hex address: %q", i, addr))
		}
	}
	for i, addr := range c.Watch.CapitalProviders {
		if !validAddress(addr) {
			errs = append(errs, fmt.Sprintf("watch: capital_providers[%d] is not a hex address: %q", i, addr))
		}
	}

	// Refresh
	if c.Refresh.Interval.Duration <= 0 {
		errs = append(errs, "refresh: interval must be > 0")
	}
	if c.Refresh.LockTTL.Duration < 0 || c.Refresh.SnapshotTTL.Duration < 0 {
		errs = append(errs, "refresh: lock_ttl and snapshot_ttl must not be negative")
	}
	if c.Refresh.OnDemandIdle.Duration <= 0 {
		errs = append(errs, "refresh: on_demand_idle must be > 0")
	}
	if c.Refresh.MaxOnDemand <= 0 {
		errs = append(errs, "refresh: max_on_demand must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validEvents[strings.TrimSpace(e)] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: refresh_failed, refresh_recovered)", e))
		}
	}
	if c.Notify.Throttle.Duration < 0 {
		errs = append(errs, "notify: throttle must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RefreshInterval returns the configured tracker interval.
func (c *Config) RefreshInterval() time.Duration { return c.Refresh.Interval.Duration }

// SnapshotTTL returns how long cached snapshots live in Redis.
func (c *Config) SnapshotTTL() time.Duration { return c.Refresh.SnapshotTTL.Duration }

// LockTTL returns how long one replica may hold the refresh lock.
func (c *Config) LockTTL() time.Duration { return c.Refresh.LockTTL.Duration }

// OnDemandIdle returns how long an unconfigured address stays tracked after
// its last request.
func (c *Config) OnDemandIdle() time.Duration { return c.Refresh.OnDemandIdle.Duration }

// NotifyThrottle returns the minimum gap between repeated alerts.
func (c *Config) NotifyThrottle() time.Duration { return c.Notify.Throttle.Duration }

// RateWindow returns the HTTP rate limit window.
func (c *Config) RateWindow() time.Duration { return c.Server.RateWindow.Duration }

func validAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
