// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	KafkaBrokers           string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplicationFactor int16  `mapstructure:"KAFKA_REPLICATION_FACTOR"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	// APIKeys is a comma separated list of key:client pairs.
	APIKeys string `mapstructure:"API_KEYS"`

	DeadlineWarningDays int           `mapstructure:"DEADLINE_WARNING_DAYS"`
	StaleClaimDays      int           `mapstructure:"STALE_CLAIM_DAYS"`
	MonitorInterval     time.Duration `mapstructure:"MONITOR_INTERVAL"`
	BatchWorkers        int           `mapstructure:"BATCH_WORKERS"`
	PayerRulesFile      string        `mapstructure:"PAYER_RULES_FILE"`
	OutboxPollInterval  time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "LOG_LEVEL",
	"KAFKA_BROKERS", "KAFKA_REPLICATION_FACTOR", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "API_KEYS",
	"DEADLINE_WARNING_DAYS", "STALE_CLAIM_DAYS", "MONITOR_INTERVAL", "BATCH_WORKERS",
	"PAYER_RULES_FILE", "OUTBOX_POLL_INTERVAL",
}

// Load reads the environment, falling back to .env and then defaults.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION_FACTOR", 1)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("DEADLINE_WARNING_DAYS", 14)
	v.SetDefault("STALE_CLAIM_DAYS", 30)
	v.SetDefault("MONITOR_INTERVAL", "1h")
	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")

	// bind explicitly so Unmarshal sees env-only keys
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DeadlineWarningDays < 0 {
		return fmt.Errorf("DEADLINE_WARNING_DAYS must not be negative")
	}
	if c.StaleClaimDays <= 0 {
		return fmt.Errorf("STALE_CLAIM_DAYS must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1")
	}
	if _, err := c.APIKeyMap(); err != nil {
		return err
	}
	return nil
}

// Brokers returns the Kafka seed brokers.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyMap parses API_KEYS into key -> client id.
func (c *Config) APIKeyMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q is not key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
