package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// ErrNotFound is returned by fetch functions to report a missing record.
// With MissingRecordStorage enabled the miss is remembered.
var ErrNotFound = sturdyc.ErrNotFound

// IsMissing reports whether err signals a missing record, either freshly
// fetched or remembered by the cache.
func IsMissing(err error) bool {
	return errors.Is(err, sturdyc.ErrNotFound) || errors.Is(err, sturdyc.ErrMissingRecord)
}

// Config holds the configuration for the sturdyc cache adapter.
type Config struct {
	// Capacity defines the maximum number of entries that the cache can store.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	NumShards int

	// TTL is the default time-to-live for cached entries.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EarlyRefresh configures early refresh behavior for cached entries.
	// If nil, early refresh is disabled.
	EarlyRefresh *EarlyRefreshConfig

	// MissingRecordStorage remembers keys whose fetch reported ErrNotFound.
	MissingRecordStorage bool

	// EvictionInterval sets how often the cache checks for expired entries.
	// Zero value uses the default interval.
	EvictionInterval time.Duration
}

// EarlyRefreshConfig configures early refresh behavior.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration
	MaxAsyncRefreshTime time.Duration
	SyncRefreshTime     time.Duration
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
// Immutable rows rarely change, so entries live longer than the usual
// read-through defaults and early refresh is off.
func DefaultConfig() Config {
	return Config{
		Capacity:             10000,
		NumShards:            64,
		TTL:                  30 * time.Minute,
		EvictionPercentage:   10,
		MissingRecordStorage: true,
	}
}

// ToSturdycOptions converts the optional parts of Config to sturdyc options.
// Capacity, NumShards, TTL and EvictionPercentage go to sturdyc.New directly.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.EarlyRefresh != nil {
		options = append(options, sturdyc.WithEarlyRefreshes(
			c.EarlyRefresh.MinAsyncRefreshTime,
			c.EarlyRefresh.MaxAsyncRefreshTime,
			c.EarlyRefresh.SyncRefreshTime,
			c.EarlyRefresh.RetryBaseDelay,
		))
	}

	if c.MissingRecordStorage {
		options = append(options, sturdyc.WithMissingRecordStorage())
	}

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Nanosecond)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
	); err != nil {
		return err
	}

	if c.EarlyRefresh != nil {
		e := *c.EarlyRefresh
		return validation.ValidateStruct(&e,
			validation.Field(&e.MinAsyncRefreshTime, validation.Min(time.Duration(0))),
			validation.Field(&e.MaxAsyncRefreshTime, validation.Min(e.MinAsyncRefreshTime)),
			validation.Field(&e.SyncRefreshTime, validation.Min(time.Duration(0))),
			validation.Field(&e.RetryBaseDelay, validation.Min(time.Duration(0))),
		)
	}
	return nil
}

// SturdycService wraps a sturdyc client. Concurrent fetches for the same key
// are deduplicated by sturdyc, so one loader runs per key.
type SturdycService struct {
	client *sturdyc.Client[any]
}

// NewSturdycService validates cfg and creates the sturdyc client.
func NewSturdycService(cfg Config) (*SturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycService{client: client}, nil
}

// GetOrFetch returns the cached value for key or runs fetchFn and stores its result.
func (s *SturdycService) GetOrFetch(ctx context.Context, key string, fetchFn func(context.Context) (any, error)) (any, error) {
	if fetchFn == nil {
		return nil, errors.New("cacheinfra: fetchFn cannot be nil")
	}
	return s.client.GetOrFetch(ctx, key, fetchFn)
}

// Delete removes a single entry from the cache.
func (s *SturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix removes all entries whose key starts with prefix.
func (s *SturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}
