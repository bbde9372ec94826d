package di

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/entitycache"
	"github.com/goliatone/go-entity-cache/internal/metrics"
	"github.com/goliatone/go-entity-cache/store"
)

// Container wires configuration, logging, the bun database, the global
// cache service and metrics into one entitycache.Database.
type Container struct {
	config        Config
	logger        zerolog.Logger
	bunDB         *bun.DB
	backend       *store.BunBackend
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	registry      *prometheus.Registry
	collector     *metrics.Collector
	database      *entitycache.Database
}

// Option customizes NewContainer.
type Option func(*options)

type options struct {
	logOutput io.Writer
	registry  *prometheus.Registry
	tables    []*entitycache.Table
}

// WithLogOutput redirects log output, os.Stderr by default.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTables declares the tables per-table capacities in
// entity_cache.tables refer to.
func WithTables(tables ...*entitycache.Table) Option {
	return func(o *options) { o.tables = append(o.tables, tables...) }
}

// NewContainer validates cfg and builds every component.
func NewContainer(cfg Config, opts ...Option) (*Container, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Log, o.logOutput)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	cacheService, err := cache.NewCacheService(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache service: %w", err)
	}

	c := &Container{
		config:        cfg,
		logger:        logger,
		cacheService:  cacheService,
		keySerializer: cache.NewDefaultKeySerializer(),
	}

	dbOpts := []entitycache.Option{
		entitycache.WithLogger(logger.With().Str("component", "entitycache").Logger()),
		entitycache.WithCacheService(cacheService),
		entitycache.WithKeySerializer(c.keySerializer),
		entitycache.WithIdentity(cfg.Database.Driver + ":" + cfg.Database.DSN),
	}
	if cfg.EntityCache.MaxEntriesPerTable > 0 {
		dbOpts = append(dbOpts, entitycache.WithMaxEntriesPerTable(cfg.EntityCache.MaxEntriesPerTable))
	}
	byName := make(map[string]*entitycache.Table, len(o.tables))
	for _, t := range o.tables {
		byName[t.Name()] = t
	}
	for name, n := range cfg.EntityCache.Tables {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("entity_cache.tables: unknown table %q", name)
		}
		dbOpts = append(dbOpts, entitycache.WithTableCapacity(t, n))
	}

	if cfg.Metrics.Enabled {
		c.registry = o.registry
		if c.registry == nil {
			c.registry = prometheus.NewRegistry()
		}
		c.collector, err = metrics.New(c.registry)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		dbOpts = append(dbOpts, entitycache.WithObserver(c.collector))
	}

	c.bunDB, err = store.Open(cfg.Database, logger.With().Str("component", "sql").Logger())
	if err != nil {
		return nil, err
	}
	c.backend = store.NewBunBackend(c.bunDB)
	c.database = entitycache.NewDatabase(c.backend, dbOpts...)

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Int("max_entries_per_table", cfg.EntityCache.MaxEntriesPerTable).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("entity cache container ready")
	return c, nil
}

// NewContainerWithDefaults builds a container over an in-memory SQLite
// database.
func NewContainerWithDefaults(opts ...Option) (*Container, error) {
	return NewContainer(DefaultConfig(), opts...)
}

// Database returns the entity cache database.
func (c *Container) Database() *entitycache.Database { return c.database }

// BunDB returns the underlying bun handle, e.g. for migrations.
func (c *Container) BunDB() *bun.DB { return c.bunDB }

// Backend returns the statement backend.
func (c *Container) Backend() *store.BunBackend { return c.backend }

// CacheService returns the process-wide cache.
func (c *Container) CacheService() cache.CacheService { return c.cacheService }

// KeySerializer returns the shared key serializer.
func (c *Container) KeySerializer() cache.KeySerializer { return c.keySerializer }

// Logger returns the root logger.
func (c *Container) Logger() zerolog.Logger { return c.logger }

// Registry returns the metrics registry, nil when metrics are disabled.
func (c *Container) Registry() *prometheus.Registry { return c.registry }

// Config returns the configuration the container was built from.
func (c *Container) Config() Config { return c.config }

// Close closes the database connection.
func (c *Container) Close() error {
	if c.bunDB == nil {
		return nil
	}
	return c.bunDB.Close()
}
