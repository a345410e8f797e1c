// Package config loads TEC service configuration from JSON or YAML files,
// with environment variables layered on top for container deployment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DatabaseConfig controls the relational store connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn"`
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	User            string `json:"user" yaml:"user"`
	Password        string `json:"password" yaml:"password"`
	Name            string `json:"name" yaml:"name"`
	SSLMode         string `json:"sslMode" yaml:"sslMode"`
	MaxOpenConns    int    `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int    `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime int    `json:"connMaxLifetimeSeconds" yaml:"connMaxLifetimeSeconds"`
}

// ConnectionString builds a libpq key=value DSN from the discrete fields,
// used when DSN itself is left blank (legacy/manual deployments).
func (d DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(d.Host) == "" || strings.TrimSpace(d.Name) == "" {
		return ""
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslMode)
}

// BrokerConfig controls the event log connection. Brokers is empty for a
// single-node deployment, which falls back to an in-process broker.
type BrokerConfig struct {
	Brokers     []string `json:"brokers" yaml:"brokers"`
	Environment string   `json:"environment" yaml:"environment"`
}

// RedisConfig controls the latest-tick cache connection. Empty Addr
// disables the cache; the in-process hub still serves snapshots.
type RedisConfig struct {
	Addr  string `json:"addr" yaml:"addr"`
	DB    int    `json:"db" yaml:"db"`
	TTLMs int    `json:"ttlMs" yaml:"ttlMs"`
}

// LoggingConfig controls the logrus-backed application logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// AuthConfig controls bearer-token validation at the HTTP boundary.
type AuthConfig struct {
	JWTSecret   string   `json:"jwtSecret" yaml:"jwtSecret"`
	JWTAudience string   `json:"jwtAudience" yaml:"jwtAudience"`
	AdminRoles  []string `json:"adminRoles" yaml:"adminRoles"`
	TenantClaim string   `json:"tenantClaim" yaml:"tenantClaim"`
	RoleClaim   string   `json:"roleClaim" yaml:"roleClaim"`
	APITokens   []string `json:"apiTokens" yaml:"apiTokens"`
}

// OutboxConfig tunes the outbox relay loop.
type OutboxConfig struct {
	BatchSize      int     `json:"batchSize" yaml:"batchSize"`
	PollInterval   int     `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	BaseBackoffMs  int     `json:"baseBackoffMs" yaml:"baseBackoffMs"`
	MaxBackoffMs   int     `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	BackoffFactor  float64 `json:"backoffFactor" yaml:"backoffFactor"`
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries"`
}

// ConsumerConfig tunes the idempotent consumer runtime.
type ConsumerConfig struct {
	RetryBackoffsMs []int `json:"retryBackoffsMs" yaml:"retryBackoffsMs"`
}

// RFQConfig holds RFQ-lifecycle defaults.
type RFQConfig struct {
	MaxExpirySeconds    int `json:"maxExpirySeconds" yaml:"maxExpirySeconds"`
	ExpiryScanInterval  int `json:"expiryScanIntervalMs" yaml:"expiryScanIntervalMs"`
}

// MarketDataConfig holds market data ingest and fan-out tuning.
type MarketDataConfig struct {
	StalenessThresholdMs int `json:"stalenessThresholdMs" yaml:"stalenessThresholdMs"`
	LateThresholdMs      int `json:"lateThresholdMs" yaml:"lateThresholdMs"`
	CoalesceIntervalMs   int `json:"coalesceIntervalMs" yaml:"coalesceIntervalMs"`
}

// SettlementConfig holds the post-trade retry policy.
type SettlementConfig struct {
	BaseBackoffSeconds int     `json:"baseBackoffSeconds" yaml:"baseBackoffSeconds"`
	MaxBackoffSeconds  int     `json:"maxBackoffSeconds" yaml:"maxBackoffSeconds"`
	MaxAttempts        int     `json:"maxAttempts" yaml:"maxAttempts"`
	FailureProbability float64 `json:"failureProbability" yaml:"failureProbability"`
}

// RateLimitConfig holds per-tenant/per-user token-bucket defaults.
type RateLimitConfig struct {
	RFQsPerSecond    float64 `json:"rfqsPerSecond" yaml:"rfqsPerSecond"`
	OrdersPerSecond  float64 `json:"ordersPerSecond" yaml:"ordersPerSecond"`
	Burst            int     `json:"burst" yaml:"burst"`
}

// Config is the root configuration object for the TEC service.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Outbox      OutboxConfig      `json:"outbox" yaml:"outbox"`
	Consumer    ConsumerConfig    `json:"consumer" yaml:"consumer"`
	RFQ         RFQConfig         `json:"rfq" yaml:"rfq"`
	MarketData  MarketDataConfig  `json:"marketData" yaml:"marketData"`
	Settlement  SettlementConfig  `json:"settlement" yaml:"settlement"`
	RateLimit   RateLimitConfig   `json:"rateLimit" yaml:"rateLimit"`
}

// New returns a Config populated with the defaults called out in the spec.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Broker: BrokerConfig{Environment: "dev"},
		Redis:  RedisConfig{TTLMs: 30_000},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Outbox: OutboxConfig{
			BatchSize:     100,
			PollInterval:  500,
			BaseBackoffMs: 500,
			MaxBackoffMs:  10_000,
			BackoffFactor: 2,
			MaxRetries:    10,
		},
		Consumer: ConsumerConfig{
			RetryBackoffsMs: []int{500, 1000, 2000, 5000, 10_000},
		},
		RFQ: RFQConfig{
			MaxExpirySeconds:   120,
			ExpiryScanInterval: 1000,
		},
		MarketData: MarketDataConfig{
			StalenessThresholdMs: 5000,
			LateThresholdMs:      1000,
			CoalesceIntervalMs:   100,
		},
		Settlement: SettlementConfig{
			BaseBackoffSeconds: 5,
			MaxBackoffSeconds:  300,
			MaxAttempts:        3,
			FailureProbability: 0,
		},
		RateLimit: RateLimitConfig{
			RFQsPerSecond:   10,
			OrdersPerSecond: 20,
			Burst:           20,
		},
	}
}

// LoadFile loads a YAML configuration file, defaults first then overlaid.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadConfig loads a JSON configuration file, defaults first then overlaid.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Load builds a Config from defaults and environment variables only, for
// deployments that configure entirely via the environment.
func Load() *Config {
	cfg := New()
	applyEnvOverrides(cfg)
	return cfg
}

// loadDotEnv loads a local .env file into the process environment ahead of
// applyEnvOverrides. The file is optional; only non-"missing file" errors
// (e.g. parse failures) are worth a warning, to keep tests and CI quiet.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("config: warning: could not load .env: %v\n", err)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	loadDotEnv()
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Broker.Brokers = splitAndTrim(v)
	}
	if v := strings.TrimSpace(os.Getenv("TEC_ENVIRONMENT")); v != "" {
		cfg.Broker.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// splitAndTrim splits a comma-separated environment value into trimmed,
// non-empty parts.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DurationMs is a convenience conversion used throughout the service layers.
func DurationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
