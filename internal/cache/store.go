// Package cache implements the gateway's two-tier cache: a sharded
// in-memory LRU with per-entry TTL in front of an optional persistent
// layer. Writes to the persistent layer go through a bounded async queue
// so the request path never blocks on the database.
package cache

import (
	"container/list"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

const shardCount = 16

// Entry is one cached record. Value carries the payload (a signature, a
// fingerprint, serialized state); Text optionally carries the source text
// the value was derived from.
type Entry struct {
	Key         string
	Value       string
	Text        string
	Family      string
	CreatedAt   time.Time
	LastAccess  time.Time
	ExpiresAt   time.Time
	AccessCount int64
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Persistence is the L2 behind a Store. Implementations must be safe for
// concurrent use. All methods are best-effort from the Store's point of
// view: errors are counted, logged, and swallowed.
type Persistence interface {
	Save(entries []*Entry) error
	Get(key string) (*Entry, error)
	Delete(keys []string) error
	LoadRecent(limit int) ([]*Entry, error)
}

// Config tunes one Store instance.
type Config struct {
	// Name is the log prefix and persistence namespace.
	Name string

	// MaxEntries bounds each shard's LRU. Zero means 4096 per shard.
	MaxEntries int

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// SweepInterval between background expiry passes. Zero means 60s.
	SweepInterval time.Duration

	// WriteQueueSize bounds the async persistence queue. Zero means 1024.
	WriteQueueSize int

	Persistence Persistence
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

// Store is the two-tier cache.
type Store struct {
	cfg    Config
	shards [shardCount]*shard
	stats  Stats

	writeCh chan *Entry
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 1024
	}

	s := &Store{
		cfg:     cfg,
		writeCh: make(chan *Entry, cfg.WriteQueueSize),
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
		}
	}

	s.wg.Add(1)
	go s.sweepLoop()
	if cfg.Persistence != nil {
		s.wg.Add(1)
		go s.writeLoop()
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Set stores an entry under key. ttl <= 0 uses the default.
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.SetEntry(&Entry{Key: key, Value: value}, ttl)
}

// SetEntry stores a fully populated entry. The entry's Key must be set.
func (s *Store) SetEntry(e *Entry, ttl time.Duration) {
	if e.Key == "" || e.Value == "" {
		return
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccess = now
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	sh := s.shardFor(e.Key)
	sh.mu.Lock()
	if el, ok := sh.entries[e.Key]; ok {
		el.Value = e
		sh.lru.MoveToFront(el)
	} else {
		sh.entries[e.Key] = sh.lru.PushFront(e)
		for sh.lru.Len() > s.cfg.MaxEntries {
			oldest := sh.lru.Back()
			if oldest == nil {
				break
			}
			evicted := oldest.Value.(*Entry)
			sh.lru.Remove(oldest)
			delete(sh.entries, evicted.Key)
			s.stats.evictions.Add(1)
		}
	}
	sh.mu.Unlock()

	s.enqueueWrite(e)
}

// Get returns the entry for key, consulting L2 on a miss. Hits bump the
// access stats and refresh the LRU position.
func (s *Store) Get(key string) (*Entry, bool) {
	now := time.Now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	if el, ok := sh.entries[key]; ok {
		e := el.Value.(*Entry)
		if e.expired(now) {
			sh.lru.Remove(el)
			delete(sh.entries, key)
			sh.mu.Unlock()
			s.stats.expirations.Add(1)
			s.stats.misses.Add(1)
			return nil, false
		}
		e.LastAccess = now
		e.AccessCount++
		sh.lru.MoveToFront(el)
		sh.mu.Unlock()
		s.stats.hits.Add(1)
		return e, true
	}
	sh.mu.Unlock()

	if s.cfg.Persistence != nil {
		if e, err := s.cfg.Persistence.Get(key); err == nil && e != nil && !e.expired(now) {
			// promote into L1 without re-enqueueing a write
			sh.mu.Lock()
			if _, ok := sh.entries[key]; !ok {
				sh.entries[key] = sh.lru.PushFront(e)
			}
			sh.mu.Unlock()
			s.stats.hits.Add(1)
			return e, true
		}
	}

	s.stats.misses.Add(1)
	return nil, false
}

// GetValue is Get for callers that only want the payload.
func (s *Store) GetValue(key string) (string, bool) {
	e, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return e.Value, true
}

// Delete removes a key from both tiers.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if el, ok := sh.entries[key]; ok {
		sh.lru.Remove(el)
		delete(sh.entries, key)
	}
	sh.mu.Unlock()

	if s.cfg.Persistence != nil {
		if err := s.cfg.Persistence.Delete([]string{key}); err != nil {
			s.stats.persistErrors.Add(1)
		}
	}
}

// ScanPrefix returns all unexpired entries whose key starts with prefix,
// unordered. Used by fuzzy tool-id recovery; prefixes are narrow enough
// that a full shard walk is fine.
func (s *Store) ScanPrefix(prefix string) []*Entry {
	now := time.Now()
	var out []*Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, el := range sh.entries {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				e := el.Value.(*Entry)
				if !e.expired(now) {
					out = append(out, e)
				}
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Newest returns the most recently created unexpired entry, or nil.
func (s *Store) Newest() *Entry {
	now := time.Now()
	var newest *Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, el := range sh.entries {
			e := el.Value.(*Entry)
			if e.expired(now) {
				continue
			}
			if newest == nil || e.CreatedAt.After(newest.CreatedAt) {
				newest = e
			}
		}
		sh.mu.RUnlock()
	}
	return newest
}

// Len counts live entries across all shards.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Warm preloads up to limit recent entries from L2 into L1.
func (s *Store) Warm(limit int) {
	if s.cfg.Persistence == nil {
		return
	}
	entries, err := s.cfg.Persistence.LoadRecent(limit)
	if err != nil {
		log.Printf("[Cache:%s] warm failed: %v", s.cfg.Name, err)
		s.stats.persistErrors.Add(1)
		return
	}
	now := time.Now()
	loaded := 0
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		sh := s.shardFor(e.Key)
		sh.mu.Lock()
		if _, ok := sh.entries[e.Key]; !ok {
			sh.entries[e.Key] = sh.lru.PushFront(e)
			loaded++
		}
		sh.mu.Unlock()
	}
	if loaded > 0 {
		log.Printf("[Cache:%s] warmed %d entries", s.cfg.Name, loaded)
	}
}

// Close stops the background goroutines and flushes pending writes.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Store) enqueueWrite(e *Entry) {
	if s.cfg.Persistence == nil {
		return
	}
	select {
	case s.writeCh <- e:
	default:
		// queue full, drop rather than block the request path
		s.stats.persistErrors.Add(1)
	}
}

const writeBatchMax = 64

func (s *Store) writeLoop() {
	defer s.wg.Done()

	flush := func(batch []*Entry) {
		if len(batch) == 0 {
			return
		}
		if err := s.cfg.Persistence.Save(batch); err != nil {
			log.Printf("[Cache:%s] persist failed for %d entries: %v", s.cfg.Name, len(batch), err)
			s.stats.persistErrors.Add(1)
			return
		}
		s.stats.writes.Add(int64(len(batch)))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var batch []*Entry
	for {
		select {
		case e := <-s.writeCh:
			batch = append(batch, e)
			if len(batch) >= writeBatchMax {
				flush(batch)
				batch = nil
			}
		case <-ticker.C:
			flush(batch)
			batch = nil
		case <-s.done:
			// drain what's left
			for {
				select {
				case e := <-s.writeCh:
					batch = append(batch, e)
				default:
					flush(batch)
					return
				}
			}
		}
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, el := range sh.entries {
			e := el.Value.(*Entry)
			if e.expired(now) {
				sh.lru.Remove(el)
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.stats.expirations.Add(int64(removed))
		log.Printf("[Cache:%s] swept %d expired entries", s.cfg.Name, removed)
	}
}
