// Package metrics exports entity cache events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitycache"

// Collector implements the entity cache Observer on top of Prometheus
// vectors. It is safe for concurrent use.
type Collector struct {
	hits       *prometheus.CounterVec // By table
	misses     *prometheus.CounterVec // By table
	evictions  *prometheus.CounterVec // By table
	statements *prometheus.CounterVec // By kind and table
	rows       *prometheus.CounterVec // By kind and table
	flushes    *prometheus.HistogramVec
}

// New creates the collector and registers its vectors with reg. A nil reg
// uses a fresh registry.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity_map",
			Name:      "hits_total",
			Help:      "Lookups answered by the identity map or referrer cache",
		}, []string{"table"}),

		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity_map",
			Name:      "misses_total",
			Help:      "Lookups that had to reach the store",
		}, []string{"table"}),

		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity_map",
			Name:      "evictions_total",
			Help:      "Entities evicted by the per-table capacity",
		}, []string{"table"}),

		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "statements_total",
			Help:      "Statements issued against the store",
		}, []string{"kind", "table"}),

		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_total",
			Help:      "Rows written or read by store statements",
		}, []string{"kind", "table"}),

		flushes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Flush duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"status"}),
	}

	for _, col := range []prometheus.Collector{c.hits, c.misses, c.evictions, c.statements, c.rows, c.flushes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) CacheHit(table string) { c.hits.WithLabelValues(table).Inc() }

func (c *Collector) CacheMiss(table string) { c.misses.WithLabelValues(table).Inc() }

func (c *Collector) Evicted(table string) { c.evictions.WithLabelValues(table).Inc() }

func (c *Collector) StatementExecuted(kind, table string, rows int) {
	c.statements.WithLabelValues(kind, table).Inc()
	if rows > 0 {
		c.rows.WithLabelValues(kind, table).Add(float64(rows))
	}
}

func (c *Collector) FlushCompleted(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.flushes.WithLabelValues(status).Observe(elapsed.Seconds())
}
