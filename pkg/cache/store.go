package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Policy selects how eviction candidates are scored.
type Policy string

const (
	// PolicyLRU evicts the least-recently-accessed entries first.
	PolicyLRU Policy = "lru"

	// PolicyLFU evicts the least-frequently-accessed entries first,
	// breaking ties by recency.
	PolicyLFU Policy = "lfu"
)

// Config holds cache store configuration.
type Config struct {
	// MaxMemoryBytes is the total payload budget. A single payload larger
	// than this is never cached.
	MaxMemoryBytes int64

	// Policy is the eviction policy (lru or lfu).
	Policy Policy

	// PressureThresholdPct is the fraction of MaxMemoryBytes at which an
	// eviction pass starts, and the level it evicts down to.
	PressureThresholdPct float64

	// CompressionEnabled turns on background zstd compression of large
	// payloads.
	CompressionEnabled bool

	// CompressionThresholdBytes is the minimum payload size that gets
	// queued for background compression.
	CompressionThresholdBytes int64

	// CompressionWorkers is the size of the compression worker pool.
	CompressionWorkers int

	// SweepInterval is how often the stale-entry sweep runs.
	SweepInterval time.Duration

	// MaxEntryAge is the age past which rarely-read entries (fewer than
	// two accesses) are reclaimed by the sweep.
	MaxEntryAge time.Duration
}

// DefaultConfig returns a safe default cache configuration sized for a
// single viewer session.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:            512 * 1024 * 1024,
		Policy:                    PolicyLRU,
		PressureThresholdPct:      0.8,
		CompressionEnabled:        true,
		CompressionThresholdBytes: 1024 * 1024,
		CompressionWorkers:        2,
		SweepInterval:             time.Minute,
		MaxEntryAge:               10 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of cache effectiveness, polled by
// dashboards.
type Stats struct {
	Entries    int
	TotalBytes int64
	HitRate    float64
	Evictions  uint64
}

// Store is a bounded in-memory image cache.
type Store struct {
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	totalBytes atomic.Int64
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	gen        atomic.Uint64

	comp *compressor
}

// NewStore creates a cache store. The background compression pool starts
// immediately when compression is enabled; the stale-entry sweep starts
// with Start.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultConfig().MaxMemoryBytes
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLRU
	}
	if cfg.PressureThresholdPct <= 0 || cfg.PressureThresholdPct > 1 {
		cfg.PressureThresholdPct = 0.8
	}
	if cfg.CompressionThresholdBytes <= 0 {
		cfg.CompressionThresholdBytes = DefaultConfig().CompressionThresholdBytes
	}
	if cfg.CompressionWorkers <= 0 {
		cfg.CompressionWorkers = 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxEntryAge <= 0 {
		cfg.MaxEntryAge = 10 * time.Minute
	}

	s := &Store{
		config:  cfg,
		logger:  logger.With().Str("component", "cache").Logger(),
		entries: make(map[string]*Entry),
	}

	if cfg.CompressionEnabled {
		comp, err := newCompressor(s, cfg.CompressionWorkers, s.logger)
		if err != nil {
			// zstd round-trip codecs only fail on invalid options; run
			// uncompressed rather than refuse to cache.
			s.logger.Warn().Err(err).Msg("Compression unavailable, caching uncompressed")
		} else {
			s.comp = comp
		}
	}

	return s
}

// Start runs the periodic stale-entry sweep until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Close stops the compression worker pool. The store remains readable.
func (s *Store) Close() {
	if s.comp != nil {
		s.comp.close()
	}
}

// Put stores a payload under key. Payloads larger than the whole memory
// budget are declined (counted as an eviction) rather than thrashing the
// rest of the cache. Large payloads are queued for background compression;
// the entry is readable immediately.
func (s *Store) Put(key string, payload []byte, metadata any) {
	size := int64(len(payload))
	if size > s.config.MaxMemoryBytes {
		s.evictions.Add(1)
		CacheEvictions.Inc()
		s.logger.Debug().
			Str("key", key).
			Int64("size", size).
			Int64("budget", s.config.MaxMemoryBytes).
			Msg("Payload exceeds cache budget, not caching")
		return
	}

	now := time.Now()
	e := &Entry{
		Key:          key,
		payload:      payload,
		Size:         size,
		RawSize:      size,
		CreatedAt:    now,
		LastAccessAt: now,
		Metadata:     metadata,
		gen:          s.gen.Add(1),
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.totalBytes.Add(-old.Size)
	}
	s.entries[key] = e
	s.totalBytes.Add(size)
	s.mu.Unlock()
	CacheSize.Set(float64(s.totalBytes.Load()))

	if s.totalBytes.Load() > s.pressureTarget() {
		s.evict()
	}

	if s.comp != nil && size > s.config.CompressionThresholdBytes {
		s.comp.enqueue(compressJob{key: key, gen: e.gen, data: payload})
	}
}

// Get returns the payload and metadata stored under key. Compressed
// entries are transparently decompressed; a decompression failure drops
// the entry and reports a miss, never an error.
func (s *Store) Get(key string) ([]byte, any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		s.misses.Add(1)
		CacheMisses.Inc()
		return nil, nil, false
	}
	payload := e.payload
	compressed := e.Compressed
	gen := e.gen
	meta := e.Metadata
	s.mu.RUnlock()

	if compressed {
		raw, err := s.comp.decompress(payload)
		if err != nil {
			// Corrupted entry; drop it and report a miss.
			s.logger.Warn().Str("key", key).Err(err).Msg("Decompression failed, dropping entry")
			s.removeIfCurrent(key, gen)
			s.misses.Add(1)
			CacheMisses.Inc()
			return nil, nil, false
		}
		payload = raw
	}

	s.touch(key, gen)
	s.hits.Add(1)
	CacheHits.Inc()
	return payload, meta, true
}

// Has reports whether key is cached without counting a hit or updating
// access recency.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Invalidate removes all entries whose key matches the predicate and
// returns the number removed.
func (s *Store) Invalidate(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if match(key) {
			s.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Cache entries invalidated")
	}
	return removed
}

// Stats returns a snapshot of cache statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()

	hits := s.hits.Load()
	misses := s.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Entries:    entries,
		TotalBytes: s.totalBytes.Load(),
		HitRate:    hitRate,
		Evictions:  s.evictions.Load(),
	}
}

// Optimize runs an eviction pass and a stale-entry sweep immediately,
// independent of the periodic schedule.
func (s *Store) Optimize() {
	s.evict()
	s.sweep()
}

// pressureTarget is the byte level that triggers eviction and that an
// eviction pass drives usage back under.
func (s *Store) pressureTarget() int64 {
	return int64(float64(s.config.MaxMemoryBytes) * s.config.PressureThresholdPct)
}

// evict removes the lowest-scoring entries until usage is back under the
// pressure target. It never fails; an empty cache simply ends the pass.
func (s *Store) evict() {
	target := s.pressureTarget()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalBytes.Load() <= target {
		return
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.scoreLess(candidates[i], candidates[j])
	})

	removed := 0
	for _, e := range candidates {
		if s.totalBytes.Load() <= target {
			break
		}
		s.removeLocked(e)
		s.evictions.Add(1)
		CacheEvictions.Inc()
		removed++
	}

	s.logger.Debug().
		Int("removed", removed).
		Int64("total_bytes", s.totalBytes.Load()).
		Int64("target", target).
		Str("policy", string(s.config.Policy)).
		Msg("Eviction pass complete")
}

// scoreLess reports whether a is a better eviction candidate than b.
// LRU orders purely by recency; LFU penalizes low access counts first and
// falls back to recency on ties.
func (s *Store) scoreLess(a, b *Entry) bool {
	if s.config.Policy == PolicyLFU && a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.LastAccessAt.Before(b.LastAccessAt)
}

// sweep reclaims entries older than MaxEntryAge that were read fewer than
// two times, independent of memory pressure.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range s.entries {
		if e.Age() > s.config.MaxEntryAge && e.AccessCount < 2 {
			s.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		CacheSweepRemovals.Add(float64(removed))
		s.logger.Debug().Int("removed", removed).Msg("Stale entries swept")
	}
}

// touch updates access recency and count for key if the same entry is
// still live.
func (s *Store) touch(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.gen == gen {
		e.LastAccessAt = time.Now()
		e.AccessCount++
	}
}

// removeIfCurrent removes key only if it still holds the same entry
// generation, so a concurrent Put is never clobbered.
func (s *Store) removeIfCurrent(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.gen == gen {
		s.removeLocked(e)
	}
}

// removeLocked deletes an entry and adjusts the running byte total.
// Caller must hold s.mu.
func (s *Store) removeLocked(e *Entry) {
	delete(s.entries, e.Key)
	s.totalBytes.Add(-e.Size)
	CacheSize.Set(float64(s.totalBytes.Load()))
}

// swapCompressed replaces an entry's payload with its compressed form if
// the entry is still live and compression actually saved space.
func (s *Store) swapCompressed(key string, gen uint64, compressed []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.gen != gen || e.Compressed {
		return false
	}
	newSize := int64(len(compressed))
	if newSize >= e.Size {
		return false
	}

	s.totalBytes.Add(newSize - e.Size)
	e.payload = compressed
	e.Size = newSize
	e.Compressed = true
	CacheSize.Set(float64(s.totalBytes.Load()))
	return true
}
