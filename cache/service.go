package cache

import (
	"context"
	"errors"
)

// ErrInvalidResultType is returned by GetOrFetch when the cached value does
// not have the requested type.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// ErrNotFound is returned by fetch functions when the source of truth has no
// value for the key. Implementations may remember the miss.
var ErrNotFound = errors.New("cache: record not found")

// KeySerializer builds a cache key from a namespace + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(namespace string, args ...any) string
}

// FetchFn is the function signature CacheService expects when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// CacheService is the process-wide read-through cache shared by transactions.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetchFn FetchFn[any]) (any, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetOrFetch is a type-safe wrapper around CacheService.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T
	result, err := service.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetchFn(ctx)
		return v, err
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
