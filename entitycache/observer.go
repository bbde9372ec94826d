package entitycache

import "time"

// Observer receives cache and flush events. Implementations must be safe for
// concurrent use when shared between transactions.
type Observer interface {
	CacheHit(table string)
	CacheMiss(table string)
	Evicted(table string)
	StatementExecuted(kind, table string, rows int)
	FlushCompleted(elapsed time.Duration, err error)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) CacheHit(string)                       {}
func (NopObserver) CacheMiss(string)                      {}
func (NopObserver) Evicted(string)                        {}
func (NopObserver) StatementExecuted(string, string, int) {}
func (NopObserver) FlushCompleted(time.Duration, error)   {}
