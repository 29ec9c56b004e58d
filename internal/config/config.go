// Package config defines the top-level configuration for the LVR auction AVS
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LVRAVS_* environment variables.
type Config struct {
	Operator   OperatorConfig   `toml:"operator"`
	Chain      ChainConfig      `toml:"chain"`
	Feeds      []FeedConfig     `toml:"feeds"`
	Pools      []PoolConfig     `toml:"pools"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Redis      RedisConfig      `toml:"redis"`
	Database   DatabaseConfig   `toml:"database"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// OperatorConfig holds the operator credential and task-handling parameters.
type OperatorConfig struct {
	PrivateKey        string   `toml:"private_key"`
	EncryptedKeyPath  string   `toml:"encrypted_key_path"`
	KeyPassword       string   `toml:"key_password"`
	TaskPollInterval  duration `toml:"task_poll_interval"`
	MinDiscrepancyBps int64    `toml:"min_discrepancy_bps"`
}

// ChainConfig holds the RPC endpoint and deployed contract addresses.
type ChainConfig struct {
	RPCURL             string `toml:"rpc_url"`
	ChainID            int64  `toml:"chain_id"`
	TaskManagerAddress string `toml:"task_manager_address"`
	PriceOracleAddress string `toml:"price_oracle_address"`
}

// FeedConfig describes one external price source. Streaming feeds keep a
// WebSocket subscription; polling feeds fetch on Interval.
type FeedConfig struct {
	Name      string   `toml:"name"`
	URL       string   `toml:"url"`
	WSURL     string   `toml:"ws_url"`
	APIKey    string   `toml:"api_key"`
	Interval  duration `toml:"interval"`
	Streaming bool     `toml:"streaming"`
	// Pairs restricts the feed to the named pool symbols; empty means all
	// active pools.
	Pairs []string `toml:"pairs"`
}

// PoolConfig binds an on-chain pool identity to the trading pair whose
// external price backs it.
type PoolConfig struct {
	PoolID   string `toml:"pool_id"`
	Token0   string `toml:"token0"`
	Token1   string `toml:"token1"`
	Symbol   string `toml:"symbol"`
	Decimals int    `toml:"decimals"`
	Active   bool   `toml:"active"`
}

// AggregatorConfig holds both sides of the aggregator endpoint: the URL
// operators submit to, and the server/consensus parameters when running in
// aggregator mode.
type AggregatorConfig struct {
	URL               string   `toml:"url"`
	Port              int      `toml:"port"`
	QuorumPercent     int      `toml:"quorum_percent"`
	ExpectedOperators int      `toml:"expected_operators"`
	ConsensusTick     duration `toml:"consensus_tick"`
}

// RedisConfig holds Redis connection parameters for the finalized-task cache
// and the consensus event bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the audit stores.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// ArchiveConfig holds the S3 archival parameters for settled history.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	RetentionDays  int      `toml:"retention_days"`
	Interval       duration `toml:"interval"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Operator: OperatorConfig{
			TaskPollInterval:  duration{time.Second},
			MinDiscrepancyBps: 50,
		},
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 31337,
		},
		Aggregator: AggregatorConfig{
			URL:               "http://localhost:8090",
			Port:              8090,
			QuorumPercent:     67,
			ExpectedOperators: 3,
			ConsensusTick:     duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "lvravs",
			User:          "lvravs",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			Region:        "us-east-1",
		},
		Notify: NotifyConfig{
			Events: []string{"consensus_finalized", "consensus_failed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"operator":   true,
	"aggregator": true,
	"monitor":    true,
	"full":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// needsOperatorKey reports whether the mode signs and submits responses.
func (c *Config) needsOperatorKey() bool {
	mode := strings.ToLower(c.Mode)
	return mode == "operator" || mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: operator, aggregator, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.needsOperatorKey() {
		if c.Operator.PrivateKey == "" && c.Operator.EncryptedKeyPath == "" {
			errs = append(errs, "operator: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
			errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
		}
		if c.Aggregator.URL == "" {
			errs = append(errs, "aggregator: url must not be empty for mode "+c.Mode)
		}
	}
	if c.Operator.TaskPollInterval.Duration < 0 {
		errs = append(errs, "operator: task_poll_interval must not be negative")
	}
	if c.Operator.MinDiscrepancyBps < 0 {
		errs = append(errs, "operator: min_discrepancy_bps must not be negative")
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if strings.ToLower(c.Mode) != "monitor" && c.Chain.TaskManagerAddress == "" {
		errs = append(errs, "chain: task_manager_address must not be empty for mode "+c.Mode)
	}

	seenFeeds := map[string]bool{}
	for i, feed := range c.Feeds {
		if feed.Name == "" {
			errs = append(errs, fmt.Sprintf("feeds[%d]: name must not be empty", i))
			continue
		}
		if seenFeeds[feed.Name] {
			errs = append(errs, fmt.Sprintf("feeds[%d]: duplicate feed name %q", i, feed.Name))
		}
		seenFeeds[feed.Name] = true

		if feed.Streaming && feed.WSURL == "" {
			errs = append(errs, fmt.Sprintf("feeds[%d] %s: ws_url is required for streaming feeds", i, feed.Name))
		}
		if !feed.Streaming {
			if feed.URL == "" {
				errs = append(errs, fmt.Sprintf("feeds[%d] %s: url must not be empty", i, feed.Name))
			}
			if feed.Interval.Duration <= 0 {
				errs = append(errs, fmt.Sprintf("feeds[%d] %s: interval must be positive", i, feed.Name))
			}
		}
	}

	seenPools := map[string]bool{}
	for i, pool := range c.Pools {
		if pool.PoolID == "" {
			errs = append(errs, fmt.Sprintf("pools[%d]: pool_id must not be empty", i))
			continue
		}
		if seenPools[pool.PoolID] {
			errs = append(errs, fmt.Sprintf("pools[%d]: duplicate pool_id %q", i, pool.PoolID))
		}
		seenPools[pool.PoolID] = true

		if pool.Token0 == "" || pool.Token1 == "" {
			errs = append(errs, fmt.Sprintf("pools[%d] %s: token0 and token1 must not be empty", i, pool.PoolID))
		}
	}

	mode := strings.ToLower(c.Mode)
	if mode == "aggregator" || mode == "full" {
		if c.Aggregator.Port <= 0 || c.Aggregator.Port > 65535 {
			errs = append(errs, fmt.Sprintf("aggregator: port must be 1-65535, got %d", c.Aggregator.Port))
		}
		if c.Aggregator.QuorumPercent < 1 || c.Aggregator.QuorumPercent > 100 {
			errs = append(errs, fmt.Sprintf("aggregator: quorum_percent must be 1-100, got %d", c.Aggregator.QuorumPercent))
		}
		if c.Aggregator.ExpectedOperators < 1 {
			errs = append(errs, "aggregator: expected_operators must be >= 1")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be 0..pool_max_conns")
		}
	}

	if c.Archive.Enabled {
		if !c.Database.Enabled {
			errs = append(errs, "archive: requires database.enabled (archives read from the audit stores)")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
