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
// built-in defaults, applies LVRAVS_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LVRAVS_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "LVRAVS_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "LVRAVS_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "LVRAVS_OPERATOR_KEY_PASSWORD")
	setDuration(&cfg.Operator.TaskPollInterval, "LVRAVS_OPERATOR_TASK_POLL_INTERVAL")
	setInt64(&cfg.Operator.MinDiscrepancyBps, "LVRAVS_OPERATOR_MIN_DISCREPANCY_BPS")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LVRAVS_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LVRAVS_CHAIN_ID")
	setStr(&cfg.Chain.TaskManagerAddress, "LVRAVS_CHAIN_TASK_MANAGER_ADDRESS")
	setStr(&cfg.Chain.PriceOracleAddress, "LVRAVS_CHAIN_PRICE_ORACLE_ADDRESS")

	// ── Aggregator ──
	setStr(&cfg.Aggregator.URL, "LVRAVS_AGGREGATOR_URL")
	setInt(&cfg.Aggregator.Port, "LVRAVS_AGGREGATOR_PORT")
	setInt(&cfg.Aggregator.QuorumPercent, "LVRAVS_AGGREGATOR_QUORUM_PERCENT")
	setInt(&cfg.Aggregator.ExpectedOperators, "LVRAVS_AGGREGATOR_EXPECTED_OPERATORS")
	setDuration(&cfg.Aggregator.ConsensusTick, "LVRAVS_AGGREGATOR_CONSENSUS_TICK")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LVRAVS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LVRAVS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LVRAVS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LVRAVS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LVRAVS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LVRAVS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LVRAVS_REDIS_TLS_ENABLED")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "LVRAVS_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "LVRAVS_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LVRAVS_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LVRAVS_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LVRAVS_DATABASE_NAME")
	setStr(&cfg.Database.User, "LVRAVS_DATABASE_USER")
	setStr(&cfg.Database.Password, "LVRAVS_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LVRAVS_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "LVRAVS_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LVRAVS_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LVRAVS_DATABASE_RUN_MIGRATIONS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LVRAVS_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LVRAVS_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LVRAVS_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Endpoint, "LVRAVS_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "LVRAVS_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "LVRAVS_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "LVRAVS_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "LVRAVS_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "LVRAVS_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "LVRAVS_ARCHIVE_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LVRAVS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LVRAVS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LVRAVS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LVRAVS_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LVRAVS_MODE")
	setStr(&cfg.LogLevel, "LVRAVS_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
