package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// memPersistence is an in-memory L2 for tests.
type memPersistence struct {
	mu      sync.Mutex
	entries map[string]*Entry
	saves   int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{entries: map[string]*Entry{}}
}

func (p *memPersistence) Save(entries []*Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves += len(entries)
	for _, e := range entries {
		cp := *e
		p.entries[e.Key] = &cp
	}
	return nil
}

func (p *memPersistence) Get(key string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (p *memPersistence) Delete(keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.entries, k)
	}
	return nil
}

func (p *memPersistence) LoadRecent(limit int) ([]*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func TestSetGet(t *testing.T) {
	s := New(Config{Name: "test"})
	defer s.Close()

	s.Set("k1", "v1", time.Minute)
	if v, ok := s.GetValue("k1"); !ok || v != "v1" {
		t.Fatalf("GetValue = (%q, %v), want (v1, true)", v, ok)
	}

	if _, ok := s.Get("missing"); ok {
		t.Errorf("unknown key must miss")
	}

	// empty value is refused
	s.Set("k2", "", time.Minute)
	if _, ok := s.Get("k2"); ok {
		t.Errorf("empty value must not be stored")
	}

	snap := s.Stats()
	if snap.Hits != 1 || snap.Misses != 2 {
		t.Errorf("stats = %d hits / %d misses, want 1 / 2", snap.Hits, snap.Misses)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(Config{Name: "test", SweepInterval: time.Hour})
	defer s.Close()

	s.Set("short", "v", 10*time.Millisecond)
	s.Set("long", "v", time.Minute)
	time.Sleep(30 * time.Millisecond)

	if _, ok := s.Get("short"); ok {
		t.Errorf("expired entry must miss")
	}
	if _, ok := s.Get("long"); !ok {
		t.Errorf("unexpired entry must hit")
	}
	if snap := s.Stats(); snap.Expirations != 1 {
		t.Errorf("expirations = %d, want 1", snap.Expirations)
	}
}

func TestLRUEviction(t *testing.T) {
	// one entry per shard, so any two keys landing on the same shard evict
	s := New(Config{Name: "test", MaxEntries: 1})
	defer s.Close()

	const n = 200
	for i := 0; i < n; i++ {
		s.Set(fmt.Sprintf("key-%03d", i), "v", time.Minute)
	}

	if got := s.Len(); got > shardCount {
		t.Errorf("Len = %d, want at most %d", got, shardCount)
	}
	if snap := s.Stats(); snap.Evictions != int64(n-s.Len()) {
		t.Errorf("evictions = %d, want %d", snap.Evictions, n-s.Len())
	}
}

func TestScanPrefix(t *testing.T) {
	s := New(Config{Name: "test"})
	defer s.Close()

	s.Set("tool:gemini:a", "sig-a", time.Minute)
	s.Set("tool:gemini:b", "sig-b", time.Minute)
	s.Set("tool:claude:a", "sig-c", time.Minute)
	s.Set("tool:gemini:expired", "sig-d", 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := s.ScanPrefix("tool:gemini:")
	if len(got) != 2 {
		t.Fatalf("ScanPrefix returned %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Value != "sig-a" && e.Value != "sig-b" {
			t.Errorf("unexpected entry %q=%q", e.Key, e.Value)
		}
	}
}

func TestNewest(t *testing.T) {
	s := New(Config{Name: "test"})
	defer s.Close()

	if s.Newest() != nil {
		t.Fatalf("empty store must have no newest entry")
	}

	base := time.Now()
	s.SetEntry(&Entry{Key: "old", Value: "v1", CreatedAt: base.Add(-time.Hour)}, time.Minute)
	s.SetEntry(&Entry{Key: "new", Value: "v2", CreatedAt: base}, time.Minute)

	if e := s.Newest(); e == nil || e.Key != "new" {
		t.Errorf("Newest = %+v, want key new", e)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	p := newMemPersistence()

	s := New(Config{Name: "test", Persistence: p})
	s.Set("k1", "v1", time.Minute)
	s.Close() // drains the write queue

	p.mu.Lock()
	_, saved := p.entries["k1"]
	p.mu.Unlock()
	if !saved {
		t.Fatalf("entry must reach persistence on close")
	}

	// a fresh store misses L1 and promotes from L2
	s2 := New(Config{Name: "test", Persistence: p})
	defer s2.Close()
	if v, ok := s2.GetValue("k1"); !ok || v != "v1" {
		t.Fatalf("L2 promotion = (%q, %v), want (v1, true)", v, ok)
	}
	// now resident in L1
	if s2.Len() != 1 {
		t.Errorf("Len after promotion = %d, want 1", s2.Len())
	}
}

func TestWarm(t *testing.T) {
	p := newMemPersistence()
	now := time.Now()
	p.entries["live"] = &Entry{Key: "live", Value: "v", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	p.entries["dead"] = &Entry{Key: "dead", Value: "v", CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}

	s := New(Config{Name: "test", Persistence: p})
	defer s.Close()
	s.Warm(100)

	if _, ok := s.Get("live"); !ok {
		t.Errorf("warm must load unexpired entries")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 (expired entries skipped)", s.Len())
	}
}

func TestDelete(t *testing.T) {
	p := newMemPersistence()
	s := New(Config{Name: "test", Persistence: p})
	defer s.Close()

	s.Set("k", "v", time.Minute)
	s.Delete("k")

	if _, ok := s.Get("k"); ok {
		t.Errorf("deleted key must miss")
	}
	p.mu.Lock()
	_, inL2 := p.entries["k"]
	p.mu.Unlock()
	if inL2 {
		t.Errorf("delete must reach persistence")
	}
}
