package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-entity-cache/internal/cacheinfra"
)

// Config exposes the process-wide cache options used by immutable
// repositories.
type Config struct {
	Capacity             int                 `yaml:"capacity"`
	NumShards            int                 `yaml:"num_shards"`
	TTL                  time.Duration       `yaml:"ttl"`
	EvictionPercentage   int                 `yaml:"eviction_percentage"`
	EarlyRefresh         *EarlyRefreshConfig `yaml:"early_refresh"`
	MissingRecordStorage bool                `yaml:"missing_record_storage"`
	EvictionInterval     time.Duration       `yaml:"eviction_interval"`
}

// EarlyRefreshConfig mirrors the underlying sturdyc early refresh options.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration `yaml:"min_async_refresh_time"`
	MaxAsyncRefreshTime time.Duration `yaml:"max_async_refresh_time"`
	SyncRefreshTime     time.Duration `yaml:"sync_refresh_time"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return c.toInternal().Validate()
}

// NewCacheService constructs the default cache service implementation using the provided configuration.
func NewCacheService(cfg Config) (CacheService, error) {
	svc, err := cacheinfra.NewSturdycService(cfg.toInternal())
	if err != nil {
		return nil, err
	}
	return &sturdycCacheService{svc: svc}, nil
}

// sturdycCacheService maps the package-level ErrNotFound onto the adapter's
// missing record handling.
type sturdycCacheService struct {
	svc *cacheinfra.SturdycService
}

func (s *sturdycCacheService) GetOrFetch(ctx context.Context, key string, fetchFn FetchFn[any]) (any, error) {
	v, err := s.svc.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetchFn(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, cacheinfra.ErrNotFound
		}
		return v, err
	})
	if cacheinfra.IsMissing(err) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *sturdycCacheService) Delete(ctx context.Context, key string) error {
	return s.svc.Delete(ctx, key)
}

func (s *sturdycCacheService) DeleteByPrefix(ctx context.Context, prefix string) error {
	return s.svc.DeleteByPrefix(ctx, prefix)
}

func (c Config) toInternal() cacheinfra.Config {
	var early *cacheinfra.EarlyRefreshConfig
	if c.EarlyRefresh != nil {
		early = &cacheinfra.EarlyRefreshConfig{
			MinAsyncRefreshTime: c.EarlyRefresh.MinAsyncRefreshTime,
			MaxAsyncRefreshTime: c.EarlyRefresh.MaxAsyncRefreshTime,
			SyncRefreshTime:     c.EarlyRefresh.SyncRefreshTime,
			RetryBaseDelay:      c.EarlyRefresh.RetryBaseDelay,
		}
	}

	return cacheinfra.Config{
		Capacity:             c.Capacity,
		NumShards:            c.NumShards,
		TTL:                  c.TTL,
		EvictionPercentage:   c.EvictionPercentage,
		EarlyRefresh:         early,
		MissingRecordStorage: c.MissingRecordStorage,
		EvictionInterval:     c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	var early *EarlyRefreshConfig
	if cfg.EarlyRefresh != nil {
		early = &EarlyRefreshConfig{
			MinAsyncRefreshTime: cfg.EarlyRefresh.MinAsyncRefreshTime,
			MaxAsyncRefreshTime: cfg.EarlyRefresh.MaxAsyncRefreshTime,
			SyncRefreshTime:     cfg.EarlyRefresh.SyncRefreshTime,
			RetryBaseDelay:      cfg.EarlyRefresh.RetryBaseDelay,
		}
	}

	return Config{
		Capacity:             cfg.Capacity,
		NumShards:            cfg.NumShards,
		TTL:                  cfg.TTL,
		EvictionPercentage:   cfg.EvictionPercentage,
		EarlyRefresh:         early,
		MissingRecordStorage: cfg.MissingRecordStorage,
		EvictionInterval:     cfg.EvictionInterval,
	}
}
