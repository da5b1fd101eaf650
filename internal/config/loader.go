package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POOLSIGHT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POOLSIGHT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject the RPC endpoint and Redis credentials
// at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "POOLSIGHT_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.ChainID, "POOLSIGHT_CHAIN_ID")
	setUint64Slice(&cfg.Chain.SupportedChainIDs, "POOLSIGHT_CHAIN_SUPPORTED_CHAIN_IDS")
	setUint64(&cfg.Chain.FromBlock, "POOLSIGHT_CHAIN_FROM_BLOCK")
	setFloat64(&cfg.Chain.RequestsPerSecond, "POOLSIGHT_CHAIN_REQUESTS_PER_SECOND")
	setInt(&cfg.Chain.Burst, "POOLSIGHT_CHAIN_BURST")
	setUint64(&cfg.Chain.BlockRange, "POOLSIGHT_CHAIN_BLOCK_RANGE")
	setInt(&cfg.Chain.Concurrency, "POOLSIGHT_CHAIN_CONCURRENCY")

	// ── Contracts ──
	setStr(&cfg.Contracts.USDC, "POOLSIGHT_CONTRACTS_USDC")
	setStr(&cfg.Contracts.FIDU, "POOLSIGHT_CONTRACTS_FIDU")
	setStr(&cfg.Contracts.SeniorPool, "POOLSIGHT_CONTRACTS_SENIOR_POOL")
	setStr(&cfg.Contracts.LegacyPool, "POOLSIGHT_CONTRACTS_LEGACY_POOL")
	setStr(&cfg.Contracts.CreditDesk, "POOLSIGHT_CONTRACTS_CREDIT_DESK")
	setStringSlice(&cfg.Contracts.TranchedPools, "POOLSIGHT_CONTRACTS_TRANCHED_POOLS")

	// ── Protocol ──
	setFloat64(&cfg.Protocol.DefaultLeverageRatio, "POOLSIGHT_PROTOCOL_DEFAULT_LEVERAGE_RATIO")
	setInt(&cfg.Protocol.JuniorFeePercent, "POOLSIGHT_PROTOCOL_JUNIOR_FEE_PERCENT")
	setInt(&cfg.Protocol.ReserveFeeDenominator, "POOLSIGHT_PROTOCOL_RESERVE_FEE_DENOMINATOR")
	setInt(&cfg.Protocol.WithdrawFeeDenominator, "POOLSIGHT_PROTOCOL_WITHDRAW_FEE_DENOMINATOR")

	// ── Watch ──
	setStringSlice(&cfg.Watch.Borrowers, "POOLSIGHT_WATCH_BORROWERS")
	setStringSlice(&cfg.Watch.CapitalProviders, "POOLSIGHT_WATCH_CAPITAL_PROVIDERS")

	// ── Refresh ──
	setDuration(&cfg.Refresh.Interval, "POOLSIGHT_REFRESH_INTERVAL")
	setDuration(&cfg.Refresh.SnapshotTTL, "POOLSIGHT_REFRESH_SNAPSHOT_TTL")
	setDuration(&cfg.Refresh.LockTTL, "POOLSIGHT_REFRESH_LOCK_TTL")
	setDuration(&cfg.Refresh.OnDemandIdle, "POOLSIGHT_REFRESH_ON_DEMAND_IDLE")
	setInt(&cfg.Refresh.MaxOnDemand, "POOLSIGHT_REFRESH_MAX_ON_DEMAND")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POOLSIGHT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POOLSIGHT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POOLSIGHT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POOLSIGHT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POOLSIGHT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POOLSIGHT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POOLSIGHT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POOLSIGHT_REDIS_KEY_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POOLSIGHT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POOLSIGHT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOLSIGHT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POOLSIGHT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POOLSIGHT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POOLSIGHT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POOLSIGHT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POOLSIGHT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POOLSIGHT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Throttle, "POOLSIGHT_NOTIFY_THROTTLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "POOLSIGHT_MODE")
	setStr(&cfg.LogLevel, "POOLSIGHT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setUint64Slice replaces dst only when every element parses.
func setUint64Slice(dst *[]uint64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := splitList(v)
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return
		}
		out = append(out, n)
	}
	if len(out) > 0 {
		*dst = out
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
