package signature

import (
	"log"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
)

// Layer identifies which recovery source produced a signature.
type Layer int

const (
	LayerNone Layer = iota
	LayerClient
	LayerThinkingCache
	LayerDecoratedToolID
	LayerFingerprint
	LayerToolCache
	LayerTimeWindow
)

func (l Layer) String() string {
	switch l {
	case LayerClient:
		return "client"
	case LayerThinkingCache:
		return "thinking_cache"
	case LayerDecoratedToolID:
		return "decorated_tool_id"
	case LayerFingerprint:
		return "fingerprint"
	case LayerToolCache:
		return "tool_cache"
	case LayerTimeWindow:
		return "time_window"
	default:
		return "none"
	}
}

// RecoveryInput describes one unsigned (or suspiciously signed) thinking
// block and its surroundings.
type RecoveryInput struct {
	ClientType domain.ClientType
	Family     domain.ModelFamily

	// Signature the client supplied on the block, possibly empty or a
	// sentinel.
	Signature string

	// ThinkingText is the block's reasoning text.
	ThinkingText string

	// ToolIDs are the tool_use ids in the same assistant message, in
	// order. Decorated ids and the tool cache key off them.
	ToolIDs []string

	// Messages is the canonical history, for fingerprint lookup.
	Messages []converter.ClaudeMessage
}

// Recover walks the recovery chain in fixed order and returns the first
// usable signature. The layers, most to least trustworthy:
//
//	1. the client-supplied signature itself
//	2. thinking-text hash cache
//	3. signature decorated into a tool_use id
//	4. conversation fingerprint cache
//	5. tool-id cache, exact then fuzzy
//	6. newest recent signature (disabled unless configured on)
//
// Cross-family entries never match: a signature minted by one model
// family is garbage to another.
func (c *Cache) Recover(in RecoveryInput) (string, Layer, bool) {
	if HasValidSignature(in.Signature) {
		return in.Signature, LayerClient, true
	}

	if in.ThinkingText != "" {
		if sig := c.lookupThinking(in.Family, in.ThinkingText); sig != "" {
			return sig, LayerThinkingCache, true
		}
	}

	for _, id := range in.ToolIDs {
		if _, sig, ok := SplitDecoratedToolID(id); ok {
			return sig, LayerDecoratedToolID, true
		}
	}

	if len(in.Messages) > 0 {
		fps := ComputeFingerprints(in.Messages)
		if sig := c.lookupFingerprints(in.Family, fps); sig != "" {
			return sig, LayerFingerprint, true
		}
	}

	for _, id := range in.ToolIDs {
		if sig := c.lookupTool(in.Family, id); sig != "" {
			return sig, LayerToolCache, true
		}
	}

	if sig := c.lookupRecent(in.Family); sig != "" {
		log.Printf("[Signature] time-window fallback used for family %s", in.Family)
		return sig, LayerTimeWindow, true
	}

	return "", LayerNone, false
}
