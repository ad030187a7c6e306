// Package router resolves a request model to an ordered chain of
// backend attempts.
package router

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/awsl-project/agw/internal/cooldown"
	"github.com/awsl-project/agw/internal/domain"
)

// Rule maps a model pattern to a fallback chain. Patterns support a
// trailing wildcard ("claude-*") and the bare "*" catch-all.
type Rule struct {
	Pattern string              `yaml:"pattern"`
	Chain   []domain.ChainEntry `yaml:"chain"`
}

// Table is the full routing configuration.
type Table struct {
	Backends []domain.Backend `yaml:"backends"`
	Rules    []Rule           `yaml:"rules"`
}

type snapshot struct {
	backends map[string]*domain.Backend
	rules    []Rule
}

// Router holds an immutable routing snapshot, swappable on reload.
type Router struct {
	mu        sync.RWMutex
	snap      *snapshot
	cooldowns *cooldown.Manager
}

func New(table *Table, cooldowns *cooldown.Manager) *Router {
	r := &Router{cooldowns: cooldowns}
	r.Reload(table)
	return r
}

// Reload swaps in a new routing table atomically.
func (r *Router) Reload(table *Table) {
	snap := &snapshot{backends: map[string]*domain.Backend{}}
	for i := range table.Backends {
		b := table.Backends[i]
		snap.backends[b.ID] = &b
	}
	snap.rules = table.Rules

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	log.Printf("[Router] loaded %d backends, %d rules", len(snap.backends), len(snap.rules))
}

func (r *Router) snapshot() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func patternMatch(pattern, model string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == model
}

func backendServes(b *domain.Backend, model string) bool {
	if len(b.Models) == 0 {
		return true
	}
	for _, m := range b.Models {
		if patternMatch(m, model) {
			return true
		}
	}
	return false
}

// Backend resolves a backend by id.
func (r *Router) Backend(id string) (*domain.Backend, bool) {
	b, ok := r.snapshot().backends[id]
	return b, ok
}

// Resolve builds the ordered attempt chain for a request model. Disabled
// backends, backends that do not serve the target model, and backends on
// cooldown are filtered out; cross-family steps are dropped when the
// client forbids cross-pool fallback.
func (r *Router) Resolve(model string, client *domain.ClientInfo) (*domain.RouteDecision, error) {
	snap := r.snapshot()

	var rule *Rule
	for i := range snap.rules {
		if patternMatch(snap.rules[i].Pattern, model) {
			rule = &snap.rules[i]
			break
		}
	}
	if rule == nil {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrNoRoutes, domain.KindConfigMissing, false,
			"no routing rule matches model "+model)
	}

	requestFamily := domain.FamilyOfModel(model)

	var chain []domain.ChainEntry
	var cooled []domain.ChainEntry
	for _, entry := range rule.Chain {
		b, ok := snap.backends[entry.BackendID]
		if !ok || !b.IsEnabled {
			continue
		}

		target := entry.TargetModel
		if target == "" {
			target = model
		}
		if mapped, ok := b.ModelMapping[target]; ok {
			target = mapped
		}
		if !backendServes(b, target) {
			continue
		}

		if client != nil && !client.EnableCrossPoolFallback {
			if fam := domain.FamilyOfModel(target); fam != requestFamily {
				continue
			}
		}

		resolved := domain.ChainEntry{BackendID: entry.BackendID, TargetModel: target}
		if on, _ := r.cooldowns.IsInCooldown(entry.BackendID); on {
			cooled = append(cooled, resolved)
			continue
		}
		chain = append(chain, resolved)
	}

	// Cooled backends go to the back of the chain rather than vanishing:
	// when everything else fails they are still worth one try.
	chain = append(chain, cooled...)

	if len(chain) == 0 {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrNoRoutes, domain.KindConfigMissing, false,
			"no usable backend for model "+model)
	}
	return &domain.RouteDecision{RequestModel: model, Chain: chain}, nil
}

// Models returns the deduplicated model names across enabled backends,
// for the /v1/models listing. Wildcard advertisements are skipped.
func (r *Router) Models() []string {
	snap := r.snapshot()
	seen := map[string]bool{}
	for _, b := range snap.backends {
		if !b.IsEnabled {
			continue
		}
		for _, m := range b.Models {
			if strings.Contains(m, "*") {
				continue
			}
			seen[m] = true
		}
		for requested := range b.ModelMapping {
			if !strings.Contains(requested, "*") {
				seen[requested] = true
			}
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Backends returns the configured backends for the health endpoint.
func (r *Router) Backends() []*domain.Backend {
	snap := r.snapshot()
	out := make([]*domain.Backend, 0, len(snap.backends))
	for _, b := range snap.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
