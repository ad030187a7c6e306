// Package signature implements thought-signature recovery: caching the
// opaque signatures upstreams attach to thinking output, and finding a
// usable one for thinking blocks that come back from clients stripped.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/awsl-project/agw/internal/cache"
	"github.com/awsl-project/agw/internal/domain"
)

const (
	// MinSignatureLength is the minimum length for a valid thought
	// signature.
	MinSignatureLength = 10

	// SkipSignatureValidator is a sentinel some proxies emit in place of
	// a real signature. It is never valid here: the v1internal endpoint
	// rejects it.
	SkipSignatureValidator = "skip_thought_signature_validator"

	// TextHashLen is the prefix length of the content hash used in cache
	// keys.
	TextHashLen = 16
)

// Config tunes the signature cache.
type Config struct {
	// DefaultTTL for cached signatures. Zero means 1h.
	DefaultTTL time.Duration

	// ClientTTLs overrides the TTL per client type.
	ClientTTLs map[domain.ClientType]time.Duration

	// EnableTimeWindowFallback turns on the last-resort "any recent
	// signature" layer. Off by default: it can leak a signature across
	// conversations.
	EnableTimeWindowFallback bool

	// TimeWindow bounds the fallback layer. Zero means 300s.
	TimeWindow time.Duration
}

// Cache bundles the three signature stores. All three are two-tier
// cache.Stores; persistence is wired by the caller.
type Cache struct {
	cfg      Config
	thinking *cache.Store // content hash -> signature
	tool     *cache.Store // tool_use id -> signature
	session  *cache.Store // conversation fingerprint -> signature
}

func NewCache(cfg Config, thinking, tool, session *cache.Store) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = 5 * time.Minute
	}
	return &Cache{cfg: cfg, thinking: thinking, tool: tool, session: session}
}

// TTLFor returns the signature TTL for a client type.
func (c *Cache) TTLFor(ct domain.ClientType) time.Duration {
	if ttl, ok := c.cfg.ClientTTLs[ct]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// HasValidSignature checks that a signature is plausible: non-empty, long
// enough, and not a known sentinel.
func HasValidSignature(sig string) bool {
	return sig != "" && len(sig) >= MinSignatureLength && sig != SkipSignatureValidator
}

var thinkWrapperRe = regexp.MustCompile(`(?s)^\s*<(think|reasoning)>(.*?)</(think|reasoning)>\s*$`)

// NormalizeThinkingText strips <think>/<reasoning> wrappers and trims
// whitespace so degraded and pristine copies of the same reasoning hash
// identically.
func NormalizeThinkingText(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := thinkWrapperRe.FindStringSubmatch(trimmed); m != nil {
		trimmed = strings.TrimSpace(m[2])
	}
	return trimmed
}

// HashText creates a stable short key from thinking text content.
func HashText(text string) string {
	h := sha256.Sum256([]byte(NormalizeThinkingText(text)))
	return hex.EncodeToString(h[:])[:TextHashLen]
}

func thinkingKey(family domain.ModelFamily, text string) string {
	return "think:" + string(family) + ":" + HashText(text)
}

func toolKey(toolID string) string {
	return "tool:" + toolID
}

func fingerprintKey(family domain.ModelFamily, fp string) string {
	return "fp:" + string(family) + ":" + fp
}

// RecordThinking caches a signature for a piece of thinking text.
func (c *Cache) RecordThinking(ct domain.ClientType, family domain.ModelFamily, text, sig string) {
	if !HasValidSignature(sig) || NormalizeThinkingText(text) == "" {
		return
	}
	c.thinking.SetEntry(&cache.Entry{
		Key:    thinkingKey(family, text),
		Value:  sig,
		Text:   NormalizeThinkingText(text),
		Family: string(family),
	}, c.TTLFor(ct))
}

// RecordTool caches the signature that accompanied a tool call.
func (c *Cache) RecordTool(ct domain.ClientType, family domain.ModelFamily, toolID, sig string) {
	if !HasValidSignature(sig) || toolID == "" {
		return
	}
	c.tool.SetEntry(&cache.Entry{
		Key:    toolKey(toolID),
		Value:  sig,
		Family: string(family),
	}, c.TTLFor(ct))
}

// RecordFingerprints caches a (signature, thinking text) pair under every
// fingerprint of the conversation it belongs to.
func (c *Cache) RecordFingerprints(ct domain.ClientType, family domain.ModelFamily, fps Fingerprints, sig, text string) {
	if !HasValidSignature(sig) {
		return
	}
	ttl := c.TTLFor(ct)
	for _, fp := range fps.All() {
		if fp == "" {
			continue
		}
		c.session.SetEntry(&cache.Entry{
			Key:    fingerprintKey(family, fp),
			Value:  sig,
			Text:   NormalizeThinkingText(text),
			Family: string(family),
		}, ttl)
	}
}

// LookupFingerprint returns the cached (signature, thinking text) pair
// for a conversation, most specific fingerprint first.
func (c *Cache) LookupFingerprint(family domain.ModelFamily, fps Fingerprints) (sig, text string, ok bool) {
	for _, fp := range fps.All() {
		if fp == "" {
			continue
		}
		if e, found := c.session.Get(fingerprintKey(family, fp)); found && e.Family == string(family) {
			return e.Value, e.Text, true
		}
	}
	return "", "", false
}

// lookupThinking returns a cached signature for thinking text, refusing
// cross-family hits.
func (c *Cache) lookupThinking(family domain.ModelFamily, text string) string {
	e, ok := c.thinking.Get(thinkingKey(family, text))
	if !ok || e.Family != string(family) {
		return ""
	}
	return e.Value
}

// lookupTool does an exact then fuzzy lookup by tool_use id.
func (c *Cache) lookupTool(family domain.ModelFamily, toolID string) string {
	if toolID == "" {
		return ""
	}
	if e, ok := c.tool.Get(toolKey(toolID)); ok && e.Family == string(family) {
		return e.Value
	}

	base := NormalizeToolID(toolID)
	if base == "" || base == toolID {
		return ""
	}
	if e, ok := c.tool.Get(toolKey(base)); ok && e.Family == string(family) {
		return e.Value
	}

	// Prefix scan: the client may have appended its own suffix to an id
	// we minted. Most recent entry wins.
	var best *cache.Entry
	for _, e := range c.tool.ScanPrefix(toolKey(base)) {
		if e.Family != string(family) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.Value
}

// lookupFingerprints tries each fingerprint in declared order.
func (c *Cache) lookupFingerprints(family domain.ModelFamily, fps Fingerprints) string {
	sig, _, _ := c.LookupFingerprint(family, fps)
	return sig
}

// lookupRecent is the time-window fallback: the newest signature of the
// right family cached within the window.
func (c *Cache) lookupRecent(family domain.ModelFamily) string {
	if !c.cfg.EnableTimeWindowFallback {
		return ""
	}
	newest := c.thinking.Newest()
	if newest == nil || newest.Family != string(family) {
		return ""
	}
	if time.Since(newest.CreatedAt) > c.cfg.TimeWindow {
		return ""
	}
	return newest.Value
}

var toolIDSuffixRe = regexp.MustCompile(`(_retry\d+|_copy\d+|_\d+)$`)

// NormalizeToolID strips client-added prefixes and retry suffixes from a
// tool_use id so variants of the same call resolve to one cache key.
func NormalizeToolID(toolID string) string {
	id := toolID
	for _, prefix := range []string{"call_", "req_"} {
		if strings.HasPrefix(id, prefix) && len(id) > len(prefix) {
			id = id[len(prefix):]
			break
		}
	}
	for {
		stripped := toolIDSuffixRe.ReplaceAllString(id, "")
		if stripped == id || stripped == "" {
			break
		}
		id = stripped
	}
	return id
}

// Stats exposes the three stores' counters for the health endpoint.
func (c *Cache) Stats() map[string]cache.Snapshot {
	return map[string]cache.Snapshot{
		"thinking": c.thinking.Stats(),
		"tool":     c.tool.Stats(),
		"session":  c.session.Stats(),
	}
}
