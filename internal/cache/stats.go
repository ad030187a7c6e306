package cache

import "sync/atomic"

// Stats holds the store's counters. All fields are updated atomically.
type Stats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	persistErrors atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Writes        int64 `json:"writes"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	PersistErrors int64 `json:"persistErrors"`
	Entries       int   `json:"entries"`
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Snapshot {
	return Snapshot{
		Hits:          s.stats.hits.Load(),
		Misses:        s.stats.misses.Load(),
		Writes:        s.stats.writes.Load(),
		Evictions:     s.stats.evictions.Load(),
		Expirations:   s.stats.expirations.Load(),
		PersistErrors: s.stats.persistErrors.Load(),
		Entries:       s.Len(),
	}
}
