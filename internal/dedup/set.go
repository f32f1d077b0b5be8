package dedup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Config holds Set configuration.
type Config struct {
	Capacity     int           // Keys retained across all shards
	Shards       int           // Independently locked partitions
	MinRetention time.Duration // Keys younger than this are never evicted
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     10000,
		Shards:       16,
		MinRetention: time.Minute,
	}
}

// Set is a sharded, bounded, recency-ordered set of string keys.
type Set struct {
	shards       []*shard
	perShard     int
	minRetention time.Duration
	now          func() time.Time

	evicted atomic.Int64
}

type shard struct {
	mu   sync.Mutex
	keys *simplelru.LRU[string, time.Time] // key -> first seen
}

// New creates a Set.
func New(cfg Config) *Set {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	s := &Set{
		shards:       make([]*shard, cfg.Shards),
		perShard:     perShard,
		minRetention: cfg.MinRetention,
		now:          time.Now,
	}
	for i := range s.shards {
		// Unbounded LRU; trim enforces capacity so retention can veto eviction.
		// NewLRU only fails for a non-positive size.
		keys, _ := simplelru.NewLRU[string, time.Time](int(^uint(0)>>1), nil)
		s.shards[i] = &shard{keys: keys}
	}
	return s
}

func (s *Set) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Add records key. It returns false if key was already present.
func (s *Set) Add(key string) bool {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.keys.Contains(key) {
		return false
	}
	sh.keys.Add(key, now)
	s.trim(sh, now)
	return true
}

// Contains reports whether key is present without refreshing it.
func (s *Set) Contains(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.keys.Contains(key)
}

// Len returns the number of keys held.
func (s *Set) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.keys.Len()
		sh.mu.Unlock()
	}
	return n
}

// Evicted returns the number of keys dropped for capacity.
func (s *Set) Evicted() int64 {
	return s.evicted.Load()
}

// trim drops the oldest keys above capacity that are past retention.
// Caller holds sh.mu.
func (s *Set) trim(sh *shard, now time.Time) {
	for sh.keys.Len() > s.perShard {
		_, seen, ok := sh.keys.GetOldest()
		if !ok || now.Sub(seen) < s.minRetention {
			return
		}
		sh.keys.RemoveOldest()
		s.evicted.Add(1)
	}
}
