// Package cooldown tracks temporarily unusable backends so the router
// can skip them instead of burning retries.
package cooldown

import (
	"log"
	"sync"
	"time"

	"github.com/awsl-project/agw/internal/domain"
)

// Reason classifies why a backend was put on cooldown; each reason has
// its own duration policy.
type Reason string

const (
	ReasonQuotaExhausted Reason = "quota_exhausted"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonServerError    Reason = "server_error"
	ReasonAuthFailure    Reason = "auth_failure"
	ReasonNetworkError   Reason = "network_error"
)

// Config holds per-reason base durations. Zero fields fall back to
// defaults.
type Config struct {
	QuotaExhausted time.Duration
	RateLimited    time.Duration
	ServerError    time.Duration
	AuthFailure    time.Duration
	NetworkError   time.Duration

	// MaxBackoff caps the exponential growth on repeated failures.
	MaxBackoff time.Duration
}

func (c Config) durationFor(reason Reason) time.Duration {
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	switch reason {
	case ReasonQuotaExhausted:
		return pick(c.QuotaExhausted, time.Hour)
	case ReasonRateLimited:
		return pick(c.RateLimited, 30*time.Second)
	case ReasonAuthFailure:
		return pick(c.AuthFailure, 5*time.Minute)
	case ReasonNetworkError:
		return pick(c.NetworkError, 10*time.Second)
	default:
		return pick(c.ServerError, 20*time.Second)
	}
}

type entry struct {
	Reason       Reason
	Until        time.Time
	FailureCount int
}

// Manager is a concurrent cooldown table keyed by backend id.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Hour
	}
	return &Manager{cfg: cfg, entries: map[string]*entry{}}
}

// RecordFailure puts a backend on cooldown. Repeated failures double the
// duration up to MaxBackoff. An explicit retryAfter from the upstream
// overrides the policy duration.
func (m *Manager) RecordFailure(backendID string, reason Reason, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[backendID]
	if e == nil {
		e = &entry{}
		m.entries[backendID] = e
	}
	e.FailureCount++
	e.Reason = reason

	d := retryAfter
	if d <= 0 {
		d = m.cfg.durationFor(reason)
		for i := 1; i < e.FailureCount; i++ {
			d *= 2
			if d >= m.cfg.MaxBackoff {
				d = m.cfg.MaxBackoff
				break
			}
		}
	}
	e.Until = time.Now().Add(d)
	log.Printf("[Cooldown] backend=%s reason=%s duration=%s failures=%d", backendID, reason, d, e.FailureCount)
}

// RecordSuccess clears the backend's cooldown state.
func (m *Manager) RecordSuccess(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, backendID)
}

// IsInCooldown reports whether the backend should be skipped, and until
// when.
func (m *Manager) IsInCooldown(backendID string) (bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.entries[backendID]
	if e == nil || time.Now().After(e.Until) {
		return false, time.Time{}
	}
	return true, e.Until
}

// ReasonFromKind maps an error classification to a cooldown reason.
func ReasonFromKind(kind domain.ErrorKind) Reason {
	switch kind {
	case domain.KindQuotaExhausted:
		return ReasonQuotaExhausted
	case domain.KindUnauthenticatedUpstream:
		return ReasonAuthFailure
	default:
		return ReasonServerError
	}
}

// CleanupExpired drops stale rows. Called from the maintenance loop.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, e := range m.entries {
		if now.After(e.Until) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns the active cooldowns for the health endpoint.
func (m *Manager) Snapshot() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]map[string]interface{}{}
	now := time.Now()
	for id, e := range m.entries {
		if now.After(e.Until) {
			continue
		}
		out[id] = map[string]interface{}{
			"reason":        string(e.Reason),
			"until":         e.Until.UnixMilli(),
			"failure_count": e.FailureCount,
		}
	}
	return out
}
