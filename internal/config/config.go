// Package config defines the top-level configuration for the up/down bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by UPDOWN_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	API        APIConfig        `toml:"api"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Execution  ExecutionConfig  `toml:"execution"`
	Feed       FeedConfig       `toml:"feed"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials. Funder is the proxy or
// Safe address holding the funds; empty trades from the signer's EOA.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	Funder           string `toml:"funder"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	FeeRateBps    int    `toml:"fee_rate_bps"`
}

// APIConfig holds CLOB L2 credentials. When all three are empty they are
// derived from the wallet at startup.
type APIConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// StrategyConfig holds the per-window betting parameters.
type StrategyConfig struct {
	Coin            string   `toml:"coin"`
	Interval        string   `toml:"interval"`
	EntryPrice      float64  `toml:"entry_price"`
	AmountPerBet    float64  `toml:"amount_per_bet"`
	TakeProfit      float64  `toml:"take_profit"`
	BetStep         *float64 `toml:"bet_step"`
	StopLoss        *float64 `toml:"stop_loss"`
	StopLossOffset  *float64 `toml:"stop_loss_offset"`
	UseStopLoss     bool     `toml:"use_stop_loss"`
	PollInterval    duration `toml:"poll_interval"`
	StatusPollEvery int      `toml:"status_poll_every"`
	ReadyTimeout    duration `toml:"ready_timeout"`
	WindowRetry     duration `toml:"window_retry"`
}

// ExecutionConfig controls order styles and the resting order tracker.
// GTCTimeout is in seconds; nil keeps resting orders until cancelled.
type ExecutionConfig struct {
	BuyOrderType   string   `toml:"buy_order_type"`
	GTCTimeout     *float64 `toml:"gtc_timeout"`
	FOKGTCFallback bool     `toml:"fok_gtc_fallback"`
	TrackerScan    duration `toml:"tracker_scan"`
	MaxSearchCents int      `toml:"max_search_cents"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
}

// GTCTimeoutDuration converts GTCTimeout to a time.Duration (0 when unset).
func (e ExecutionConfig) GTCTimeoutDuration() time.Duration {
	if e.GTCTimeout == nil || *e.GTCTimeout <= 0 {
		return 0
	}
	return time.Duration(*e.GTCTimeout * float64(time.Second))
}

// FeedConfig holds the market WebSocket parameters.
type FeedConfig struct {
	WSURL           string   `toml:"ws_url"`
	PingInterval    duration `toml:"ping_interval"`
	ReconnectBase   duration `toml:"reconnect_base"`
	ReconnectCap    duration `toml:"reconnect_cap"`
	MaxReconnects   int      `toml:"max_reconnects"`
	PublishInterval duration `toml:"publish_interval"`
	// Follow makes monitor mode read midpoints another instance publishes
	// on Redis instead of opening its own connection.
	Follow bool `toml:"follow"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters. The store
// is disabled when both dsn and host are empty.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether a database is configured.
func (s SupabaseConfig) Enabled() bool {
	return strings.TrimSpace(s.DSN) != "" || s.Host != ""
}

// RedisConfig holds Redis connection parameters. URL takes precedence over
// the individual fields.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. Archiving is
// disabled when bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// Enabled reports whether window archiving is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// MetricsConfig holds the Prometheus listener. An empty addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "500ms", "10s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validIntervals = map[string]bool{
	"5m":    true,
	"15m":   true,
	"1h":    true,
	"1h_et": true,
	"24h":   true,
}

var validBuyTypes = map[string]bool{
	"FAK": true,
	"FOK": true,
	"GTC": true,
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			ChainID:       137,
			SignatureType: 0,
		},
		Strategy: StrategyConfig{
			Coin:            "btc",
			Interval:        "5m",
			EntryPrice:      0.70,
			AmountPerBet:    1.0,
			TakeProfit:      0.95,
			UseStopLoss:     true,
			PollInterval:    duration{500 * time.Millisecond},
			StatusPollEvery: 6,
			ReadyTimeout:    duration{10 * time.Second},
			WindowRetry:     duration{15 * time.Second},
		},
		Execution: ExecutionConfig{
			BuyOrderType:   "FAK",
			FOKGTCFallback: true,
			TrackerScan:    duration{time.Second},
			MaxSearchCents: 200,
			RateLimit:      10,
			RateWindow:     duration{time.Second},
		},
		Feed: FeedConfig{
			WSURL:           "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			PingInterval:    duration{20 * time.Second},
			ReconnectBase:   duration{3 * time.Second},
			ReconnectCap:    duration{30 * time.Second},
			MaxReconnects:   10,
			PublishInterval: duration{time.Second},
		},
		Supabase: SupabaseConfig{
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "require",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
			Prefix:         "windows",
			PartSizeMB:     5,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// Validate checks the configuration for logical errors and returns a combined
// error describing every problem found. A nil return means the config is valid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: trading cannot start without a signing key.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode trade")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// API credentials: all three fields must be set together, or all empty.
	ak, as, ap := c.API.Key != "", c.API.Secret != "", c.API.Passphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "api: key, secret, and passphrase must all be set together")
	}

	// Strategy
	s := c.Strategy
	if s.Coin == "" {
		errs = append(errs, "strategy: coin must not be empty")
	}
	if !validIntervals[s.Interval] {
		errs = append(errs, fmt.Sprintf("strategy: unknown interval %q (valid: 5m, 15m, 1h, 1h_et, 24h)", s.Interval))
	}
	if !inUnit(s.EntryPrice) {
		errs = append(errs, "strategy: entry_price must be in (0, 1)")
	}
	if !inUnit(s.TakeProfit) {
		errs = append(errs, "strategy: take_profit must be in (0, 1)")
	}
	if s.AmountPerBet <= 0 {
		errs = append(errs, "strategy: amount_per_bet must be > 0")
	}
	if s.BetStep != nil && *s.BetStep <= 0 {
		errs = append(errs, "strategy: bet_step must be > 0 when set")
	}
	if s.StopLoss != nil && !inUnit(*s.StopLoss) {
		errs = append(errs, "strategy: stop_loss must be in (0, 1) when set")
	}
	if s.StopLossOffset != nil && *s.StopLossOffset <= 0 {
		errs = append(errs, "strategy: stop_loss_offset must be > 0 when set")
	}
	if s.PollInterval.Duration <= 0 {
		errs = append(errs, "strategy: poll_interval must be > 0")
	}
	if s.StatusPollEvery < 1 {
		errs = append(errs, "strategy: status_poll_every must be >= 1")
	}

	// Execution
	if !validBuyTypes[strings.ToUpper(c.Execution.BuyOrderType)] {
		errs = append(errs, fmt.Sprintf("execution: unknown buy_order_type %q (valid: FAK, FOK, GTC)", c.Execution.BuyOrderType))
	}
	if c.Execution.GTCTimeout != nil && *c.Execution.GTCTimeout < 0 {
		errs = append(errs, "execution: gtc_timeout must be >= 0 when set")
	}
	if c.Execution.TrackerScan.Duration <= 0 {
		errs = append(errs, "execution: tracker_scan must be > 0")
	}
	if c.Execution.MaxSearchCents < 1 {
		errs = append(errs, "execution: max_search_cents must be >= 1")
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if c.Feed.MaxReconnects < 1 {
		errs = append(errs, "feed: max_reconnects must be >= 1")
	}

	// Supabase
	if c.Supabase.Enabled() && strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		errs = append(errs, "redis: url or addr must be set")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func inUnit(p float64) bool {
	return p > 0 && p < 1
}
