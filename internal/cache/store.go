package cache

import (
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store is a keyed in-memory cache with a time-to-live per entry. Entries
// expire a fixed duration after they were written; reads never extend them.
// Safe for concurrent use.
type Store[V any] struct {
	cache   *ttlcache.Cache[string, V]
	running atomic.Bool
}

// NewStore creates an empty store whose entries default to ttl.
func NewStore[V any](ttl time.Duration) *Store[V] {
	return &Store[V]{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, V](ttl),
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
	}
}

// Start runs the background expiry loop until Stop is called.
func (s *Store[V]) Start() {
	if s.running.CompareAndSwap(false, true) {
		go s.cache.Start()
	}
}

func (s *Store[V]) Stop() {
	if s.running.CompareAndSwap(true, false) {
		s.cache.Stop()
	}
}

func (s *Store[V]) Get(key string) (V, bool) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set replaces the entry for key. A zero ttl uses the store default.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(key, value, ttl)
}

// Flush drops every entry.
func (s *Store[V]) Flush() {
	s.cache.DeleteAll()
}

func (s *Store[V]) Len() int {
	return s.cache.Len()
}
