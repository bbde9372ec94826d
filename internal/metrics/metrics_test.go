package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.CacheHit("books")
	c.CacheHit("books")
	c.CacheMiss("books")
	c.Evicted("authors")
	c.StatementExecuted("insert", "books", 3)
	c.StatementExecuted("select", "books", 0)
	c.FlushCompleted(2*time.Millisecond, nil)
	c.FlushCompleted(time.Millisecond, errors.New("boom"))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"hits", testutil.ToFloat64(c.hits.WithLabelValues("books")), 2},
		{"misses", testutil.ToFloat64(c.misses.WithLabelValues("books")), 1},
		{"evictions", testutil.ToFloat64(c.evictions.WithLabelValues("authors")), 1},
		{"insert statements", testutil.ToFloat64(c.statements.WithLabelValues("insert", "books")), 1},
		{"inserted rows", testutil.ToFloat64(c.rows.WithLabelValues("insert", "books")), 3},
		{"select statements", testutil.ToFloat64(c.statements.WithLabelValues("select", "books")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if got := testutil.CollectAndCount(c.flushes); got != 2 {
		t.Fatalf("flush series = %d, want 2", got)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("registering twice on one registry should fail")
	}
}

func TestNilRegistry(t *testing.T) {
	if _, err := New(nil); err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
}
