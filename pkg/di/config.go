package di

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/store"
)

// Config is the YAML document consumed by NewContainer.
//
//	database:
//	  driver: sqlite
//	  dsn: "file:app.db?cache=shared"
//	cache:
//	  capacity: 10000
//	  ttl: 30m
//	entity_cache:
//	  max_entries_per_table: 5000
//	log:
//	  level: info
//	  format: json
type Config struct {
	Database    store.Config      `yaml:"database"`
	Cache       cache.Config      `yaml:"cache"`
	EntityCache EntityCacheConfig `yaml:"entity_cache"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EntityCacheConfig holds the per-transaction cache settings.
type EntityCacheConfig struct {
	// MaxEntriesPerTable caps every identity map table. Zero means no limit.
	MaxEntriesPerTable int `yaml:"max_entries_per_table"`
	// Tables overrides the cap per table name. Zero disables caching.
	Tables map[string]int `yaml:"tables"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the Prometheus observer.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration for an in-memory SQLite database.
func DefaultConfig() Config {
	return Config{
		Database: store.Config{
			Driver: store.DriverSQLite,
			DSN:    "file::memory:?cache=shared",
		},
		Cache: cache.DefaultConfig(),
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := validation.ValidateStruct(&c.EntityCache,
		validation.Field(&c.EntityCache.MaxEntriesPerTable, validation.Min(0)),
		validation.Field(&c.EntityCache.Tables, validation.Each(validation.Min(0))),
	); err != nil {
		return fmt.Errorf("entity_cache: %w", err)
	}
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("", "trace", "debug", "info", "warn", "error", "disabled")),
		validation.Field(&c.Log.Format, validation.In("", "json", "console")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
