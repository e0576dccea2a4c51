package config

import (
	"fmt"
	"time"
	// Kiosk images often ship without a zoneinfo database.
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port                    string `mapstructure:"PORT"`
	Store                   string `mapstructure:"STORE"`
	DatabaseURL             string `mapstructure:"DB_DSN"`
	DBMaxConns              int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath              string `mapstructure:"SQLITE_PATH"`
	SnapshotIntervalSeconds int    `mapstructure:"SNAPSHOT_INTERVAL_SECONDS"`
	Timezone                string `mapstructure:"TIMEZONE"`
	NumberingOverflow       string `mapstructure:"NUMBERING_OVERFLOW"`
	ConflictRetries         uint   `mapstructure:"CONFLICT_RETRIES"`
	RateLimitPerMinute      int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst          int    `mapstructure:"RATE_LIMIT_BURST"`
	AnnounceWebhookURL      string `mapstructure:"ANNOUNCE_WEBHOOK_URL"`
	AnnounceWebhookToken    string `mapstructure:"ANNOUNCE_WEBHOOK_TOKEN"`
	ClinicName              string `mapstructure:"CLINIC_NAME"`
	ClinicAddress           string `mapstructure:"CLINIC_ADDRESS"`
	CatalogFile             string `mapstructure:"CATALOG_FILE"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`
	LogFormat               string `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint            string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure            bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "STORE", "DB_DSN", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "SNAPSHOT_INTERVAL_SECONDS",
	"TIMEZONE", "NUMBERING_OVERFLOW", "CONFLICT_RETRIES", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_BURST",
	"ANNOUNCE_WEBHOOK_URL", "ANNOUNCE_WEBHOOK_TOKEN", "CLINIC_NAME", "CLINIC_ADDRESS", "CATALOG_FILE",
	"LOG_LEVEL", "LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads the environment, plus file when it is not empty. Environment
// variables win over the file.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "clinic-queue.db")
	v.SetDefault("SNAPSHOT_INTERVAL_SECONDS", 2)
	v.SetDefault("TIMEZONE", "Asia/Jakarta")
	v.SetDefault("NUMBERING_OVERFLOW", "fail")
	v.SetDefault("CONFLICT_RETRIES", 3)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("CLINIC_NAME", "Klinik Pratama Hadiana Sehat")
	v.SetDefault("CLINIC_ADDRESS", "Jl. Raya Banjaran Barat No.658A")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when STORE is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreSQLite, c.Store)
	}
	if c.NumberingOverflow != "fail" && c.NumberingOverflow != "reset" {
		return fmt.Errorf("NUMBERING_OVERFLOW must be \"fail\" or \"reset\", got %q", c.NumberingOverflow)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ConflictRetries == 0 {
		return fmt.Errorf("CONFLICT_RETRIES must be at least 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// Location is the clinic's time zone; it decides where a queue day starts.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) SnapshotInterval() time.Duration {
	if c.SnapshotIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}
