package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies UPDOWN_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known UPDOWN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "UPDOWN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "UPDOWN_PRIVATE_KEY") // compatibility alias
	setStr(&cfg.Wallet.Funder, "UPDOWN_WALLET_FUNDER")
	setStr(&cfg.Wallet.Funder, "UPDOWN_WALLET_SAFE_ADDRESS") // compatibility alias
	setStr(&cfg.Wallet.EncryptedKeyPath, "UPDOWN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "UPDOWN_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "UPDOWN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "UPDOWN_POLYMARKET_GAMMA_HOST")
	setInt(&cfg.Polymarket.ChainID, "UPDOWN_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "UPDOWN_POLYMARKET_SIGNATURE_TYPE")
	setInt(&cfg.Polymarket.FeeRateBps, "UPDOWN_POLYMARKET_FEE_RATE_BPS")

	// ── API ──
	setStr(&cfg.API.Key, "UPDOWN_API_KEY")
	setStr(&cfg.API.Secret, "UPDOWN_API_SECRET")
	setStr(&cfg.API.Passphrase, "UPDOWN_API_PASSPHRASE")

	// ── Strategy ──
	setStr(&cfg.Strategy.Coin, "UPDOWN_STRATEGY_COIN")
	setStr(&cfg.Strategy.Interval, "UPDOWN_STRATEGY_INTERVAL")
	setFloat64(&cfg.Strategy.EntryPrice, "UPDOWN_STRATEGY_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.AmountPerBet, "UPDOWN_STRATEGY_AMOUNT_PER_BET")
	setFloat64(&cfg.Strategy.TakeProfit, "UPDOWN_STRATEGY_TAKE_PROFIT")
	setOptFloat64(&cfg.Strategy.BetStep, "UPDOWN_STRATEGY_BET_STEP")
	setOptFloat64(&cfg.Strategy.StopLoss, "UPDOWN_STRATEGY_STOP_LOSS")
	setOptFloat64(&cfg.Strategy.StopLossOffset, "UPDOWN_STRATEGY_STOP_LOSS_OFFSET")
	setBool(&cfg.Strategy.UseStopLoss, "UPDOWN_STRATEGY_USE_STOP_LOSS")
	setDuration(&cfg.Strategy.PollInterval, "UPDOWN_STRATEGY_POLL_INTERVAL")
	setInt(&cfg.Strategy.StatusPollEvery, "UPDOWN_STRATEGY_STATUS_POLL_EVERY")
	setDuration(&cfg.Strategy.ReadyTimeout, "UPDOWN_STRATEGY_READY_TIMEOUT")
	setDuration(&cfg.Strategy.WindowRetry, "UPDOWN_STRATEGY_WINDOW_RETRY")

	// ── Execution ──
	setStr(&cfg.Execution.BuyOrderType, "UPDOWN_EXECUTION_BUY_ORDER_TYPE")
	setOptFloat64(&cfg.Execution.GTCTimeout, "UPDOWN_EXECUTION_GTC_TIMEOUT")
	setBool(&cfg.Execution.FOKGTCFallback, "UPDOWN_EXECUTION_FOK_GTC_FALLBACK")
	setDuration(&cfg.Execution.TrackerScan, "UPDOWN_EXECUTION_TRACKER_SCAN")
	setInt(&cfg.Execution.MaxSearchCents, "UPDOWN_EXECUTION_MAX_SEARCH_CENTS")
	setInt(&cfg.Execution.RateLimit, "UPDOWN_EXECUTION_RATE_LIMIT")
	setDuration(&cfg.Execution.RateWindow, "UPDOWN_EXECUTION_RATE_WINDOW")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "UPDOWN_FEED_WS_URL")
	setDuration(&cfg.Feed.PingInterval, "UPDOWN_FEED_PING_INTERVAL")
	setDuration(&cfg.Feed.ReconnectBase, "UPDOWN_FEED_RECONNECT_BASE")
	setDuration(&cfg.Feed.ReconnectCap, "UPDOWN_FEED_RECONNECT_CAP")
	setInt(&cfg.Feed.MaxReconnects, "UPDOWN_FEED_MAX_RECONNECTS")
	setDuration(&cfg.Feed.PublishInterval, "UPDOWN_FEED_PUBLISH_INTERVAL")
	setBool(&cfg.Feed.Follow, "UPDOWN_FEED_FOLLOW")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "UPDOWN_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "UPDOWN_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "UPDOWN_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "UPDOWN_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "UPDOWN_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "UPDOWN_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "UPDOWN_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "UPDOWN_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "UPDOWN_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "UPDOWN_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "UPDOWN_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "UPDOWN_REDIS_URL")
	setStr(&cfg.Redis.Addr, "UPDOWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UPDOWN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "UPDOWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UPDOWN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWN_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "UPDOWN_S3_PREFIX")
	setInt(&cfg.S3.PartSizeMB, "UPDOWN_S3_PART_SIZE_MB")

	// ── Metrics ──
	setStr(&cfg.Metrics.Addr, "UPDOWN_METRICS_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "UPDOWN_MODE")
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setOptFloat64 sets an optional float. "none" or "off" clears it.
func setOptFloat64(dst **float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	switch strings.ToLower(v) {
	case "":
		return
	case "none", "off":
		*dst = nil
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = &f
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
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
