// Package config defines the top-level configuration for milestonebet and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
	"github.com/alanyoungcy/milestonebet/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MILESTONEBET_* environment variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Market   MarketConfig   `toml:"market"`
	Celo     CeloConfig     `toml:"celo"`
	Signer   SignerConfig   `toml:"signer"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters. DSN wins over the
// individual fields when set.
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for market archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MarketConfig holds pari-mutuel engine parameters.
type MarketConfig struct {
	// Decimals is the token precision stakes and payouts are truncated to.
	Decimals      int      `toml:"decimals"`
	LedgerTimeout duration `toml:"ledger_timeout"`
	QuoteCacheTTL duration `toml:"quote_cache_ttl"`
}

// CeloConfig points at the identity verification registry.
type CeloConfig struct {
	RequireVerification bool     `toml:"require_verification"`
	RPCURL              string   `toml:"rpc_url"`
	RegistryAddress     string   `toml:"registry_address"`
	CacheTTL            duration `toml:"cache_ttl"`
}

// SignerConfig holds the receipt-signing key. Receipts are unsigned when
// neither source is set.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// Enabled reports whether a signing key is configured.
func (s SignerConfig) Enabled() bool {
	return s.PrivateKey != "" || s.EncryptedKeyPath != ""
}

// PipelineConfig holds background job parameters.
type PipelineConfig struct {
	Enabled              bool     `toml:"enabled"`
	WatchInterval        duration `toml:"watch_interval"`
	ArchiveEnabled       bool     `toml:"archive_enabled"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
	ArchiveLockTTL       duration `toml:"archive_lock_ttl"`
}

// ArchiveRetention returns the retention window as a duration.
func (p PipelineConfig) ArchiveRetention() time.Duration {
	return time.Duration(p.ArchiveRetentionDays) * 24 * time.Hour
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
	APIKey      string   `toml:"api_key"`

	// RequireSignature demands EIP-191 wallet signatures; otherwise the
	// X-Wallet-Address header is trusted.
	RequireSignature bool     `toml:"require_signature"`
	SignatureMaxAge  duration `toml:"signature_max_age"`

	// RateLimit is requests per RateLimitWindow per client IP; 0 disables.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "milestonebet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "milestonebet:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "milestonebet-archive",
			ForcePathStyle: true,
		},
		Market: MarketConfig{
			Decimals:      18,
			LedgerTimeout: duration{5 * time.Second},
			QuoteCacheTTL: duration{30 * time.Second},
		},
		Celo: CeloConfig{
			RPCURL:          "https://forno.celo-sepolia.celo-testnet.org",
			RegistryAddress: "0x8652f03Ae1c6c8aAc71C2Deb80e1C33C38a7e9a2",
			CacheTTL:        duration{10 * time.Minute},
		},
		Pipeline: PipelineConfig{
			Enabled:              true,
			WatchInterval:        duration{time.Minute},
			ArchiveEnabled:       false,
			ArchiveRetentionDays: 30,
			ArchiveCron:          "0 3 * * *",
			ArchiveLockTTL:       duration{30 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RequireSignature: true,
			SignatureMaxAge:  duration{5 * time.Minute},
			RateLimit:        120,
			RateLimitWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "awaiting_resolution", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
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
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Market
	if c.Market.Decimals < 0 || c.Market.Decimals > parimutuel.MaxDecimals {
		errs = append(errs, fmt.Sprintf("market: decimals must be 0-%d, got %d", parimutuel.MaxDecimals, c.Market.Decimals))
	}
	if c.Market.LedgerTimeout.Duration <= 0 {
		errs = append(errs, "market: ledger_timeout must be > 0")
	}
	if c.Market.QuoteCacheTTL.Duration <= 0 {
		errs = append(errs, "market: quote_cache_ttl must be > 0")
	}

	// Celo
	if c.Celo.RequireVerification {
		if u, err := url.Parse(c.Celo.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "celo: rpc_url must be an absolute URL when require_verification is set")
		}
		if !common.IsHexAddress(c.Celo.RegistryAddress) {
			errs = append(errs, fmt.Sprintf("celo: registry_address %q is not a hex address", c.Celo.RegistryAddress))
		}
	}

	// Signer
	if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
		errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
	}

	// Pipeline
	runsWorker := mode == "worker" || mode == "full"
	if runsWorker && c.Pipeline.Enabled {
		if c.Pipeline.WatchInterval.Duration <= 0 {
			errs = append(errs, "pipeline: watch_interval must be > 0")
		}
		if c.Pipeline.ArchiveEnabled {
			if c.Pipeline.ArchiveRetentionDays < 0 {
				errs = append(errs, "pipeline: archive_retention_days must be >= 0")
			}
			if err := pipeline.ValidateCron(c.Pipeline.ArchiveCron); err != nil {
				errs = append(errs, fmt.Sprintf("pipeline: archive_cron: %v", err))
			}
			if c.S3.Bucket == "" {
				errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
			}
		}
	}

	// Server
	runsServer := mode == "server" || mode == "full"
	if runsServer && c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequireSignature && c.Server.SignatureMaxAge.Duration <= 0 {
			errs = append(errs, "server: signature_max_age must be > 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0")
		}
	}
	if mode == "server" && !c.Server.Enabled {
		errs = append(errs, "server: mode server requires server.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
