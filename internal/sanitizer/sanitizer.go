// Package sanitizer normalizes the canonical request before it reaches an
// upstream. It enforces three invariants: every thinking block sent
// upstream carries a signature valid for its exact text (unverifiable
// blocks degrade to plain text), every tool_result answers a real
// tool_use, and the thinking config agrees with what the message list
// actually contains.
package sanitizer

import (
	"log"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/signature"
)

type Sanitizer struct {
	signatures *signature.Cache
}

func New(signatures *signature.Cache) *Sanitizer {
	return &Sanitizer{signatures: signatures}
}

// Options select the policy for one sanitization pass.
type Options struct {
	Client *domain.ClientInfo

	// SourceFamily is the family recorded on the conversation, empty
	// when unknown.
	SourceFamily domain.ModelFamily

	// TargetFamily is the family of the model this request is routed
	// to.
	TargetFamily domain.ModelFamily

	// ForceDisableThinking degrades every thinking block and strips the
	// thinking config. Set on the retry after an upstream rejected a
	// signature.
	ForceDisableThinking bool
}

// Result reports what a pass changed.
type Result struct {
	Changed             bool
	DegradedThinking    int
	RemovedCrossFamily  int
	DroppedOrphans      int
	RecoveredSignatures int
	InjectedResults     int
	RestoredThinking    bool
	ThinkingDisabled    bool
}

// Sanitize rewrites req in place.
func (s *Sanitizer) Sanitize(req *converter.ClaudeRequest, opts Options) *Result {
	res := &Result{}
	if opts.Client == nil {
		opts.Client = &domain.ClientInfo{Type: domain.ClientUnknown, NeedsSanitization: true}
	}

	s.stripCacheControl(req, res)
	s.stripToolIDDecorations(req, opts, res)

	if opts.SourceFamily != "" && opts.TargetFamily != "" && opts.SourceFamily != opts.TargetFamily {
		s.purgeCrossFamilyThinking(req, res)
	}

	if opts.ForceDisableThinking {
		s.degradeAllThinking(req, res)
	} else {
		s.enforceThinkingValidity(req, opts, res)
		s.recoverToolSignatures(req, opts, res)
		s.recoverToolLoop(req, opts, res)
	}

	s.enforceToolChain(req, res)
	s.enforceThinkingConfig(req, res)

	if res.DegradedThinking > 0 || res.DroppedOrphans > 0 || res.RemovedCrossFamily > 0 {
		log.Printf("[Sanitizer] client=%s degraded=%d cross_family=%d orphans=%d recovered=%d",
			opts.Client.Type, res.DegradedThinking, res.RemovedCrossFamily, res.DroppedOrphans, res.RecoveredSignatures)
	}
	return res
}

func (s *Sanitizer) stripCacheControl(req *converter.ClaudeRequest, res *Result) {
	for mi := range req.Messages {
		for bi := range req.Messages[mi].Content {
			if req.Messages[mi].Content[bi].CacheControl != nil {
				req.Messages[mi].Content[bi].CacheControl = nil
				res.Changed = true
			}
		}
	}
}

// stripToolIDDecorations undoes base__thought__sig ids before the request
// goes upstream, harvesting the embedded signatures into the tool cache.
func (s *Sanitizer) stripToolIDDecorations(req *converter.ClaudeRequest, opts Options, res *Result) {
	for mi := range req.Messages {
		for bi := range req.Messages[mi].Content {
			block := &req.Messages[mi].Content[bi]
			switch block.Type {
			case "tool_use":
				if base, sig, ok := signature.SplitDecoratedToolID(block.ID); ok {
					s.signatures.RecordTool(opts.Client.Type, opts.TargetFamily, base, sig)
					block.ID = base
					res.Changed = true
				}
			case "tool_result":
				if base, _, ok := signature.SplitDecoratedToolID(block.ToolUseID); ok {
					block.ToolUseID = base
					res.Changed = true
				}
			}
		}
	}
}

// purgeCrossFamilyThinking removes thinking blocks minted by a different
// model family. Their signatures are meaningless to the target no matter
// how valid they look.
func (s *Sanitizer) purgeCrossFamilyThinking(req *converter.ClaudeRequest, res *Result) {
	for mi := range req.Messages {
		if req.Messages[mi].Role != "assistant" {
			continue
		}
		var kept converter.ContentBlocks
		for _, block := range req.Messages[mi].Content {
			if block.Type == "thinking" || block.Type == "redacted_thinking" {
				res.RemovedCrossFamily++
				res.Changed = true
				continue
			}
			kept = append(kept, block)
		}
		req.Messages[mi].Content = kept
	}
}

func degradeBlock(block *converter.ContentBlock) {
	text := "<think>\n" + block.Thinking + "\n</think>"
	*block = converter.ContentBlock{Type: "text", Text: text}
}

func (s *Sanitizer) degradeAllThinking(req *converter.ClaudeRequest, res *Result) {
	for mi := range req.Messages {
		var kept converter.ContentBlocks
		for bi := range req.Messages[mi].Content {
			block := req.Messages[mi].Content[bi]
			switch block.Type {
			case "thinking":
				degradeBlock(&block)
				res.DegradedThinking++
				res.Changed = true
				kept = append(kept, block)
			case "redacted_thinking":
				// nothing recoverable inside
				res.DegradedThinking++
				res.Changed = true
			default:
				kept = append(kept, block)
			}
		}
		req.Messages[mi].Content = kept
	}
	res.ThinkingDisabled = true
}

// enforceThinkingValidity keeps only thinking blocks an upstream will
// accept. Historical turns keep a thinking
// block only when the client-supplied signature looks valid; the most
// recent assistant turn gets the full recovery chain before degrading.
// A thinking block positioned after non-thinking content degrades
// unconditionally: upstreams require thinking to lead the message.
func (s *Sanitizer) enforceThinkingValidity(req *converter.ClaudeRequest, opts Options, res *Result) {
	lastAssistant := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "assistant" {
			lastAssistant = i
			break
		}
	}

	for mi := range req.Messages {
		msg := &req.Messages[mi]
		if msg.Role != "assistant" {
			continue
		}

		var toolIDs []string
		for _, block := range msg.Content {
			if block.Type == "tool_use" {
				toolIDs = append(toolIDs, block.ID)
			}
		}

		leading := true
		for bi := range msg.Content {
			block := &msg.Content[bi]
			if block.Type != "thinking" {
				if block.Type != "redacted_thinking" {
					leading = false
				}
				continue
			}

			if !leading {
				degradeBlock(block)
				res.DegradedThinking++
				res.Changed = true
				continue
			}

			if signature.HasValidSignature(block.Signature) {
				continue
			}

			if mi == lastAssistant {
				sig, layer, ok := s.signatures.Recover(signature.RecoveryInput{
					ClientType:   opts.Client.Type,
					Family:       opts.TargetFamily,
					Signature:    block.Signature,
					ThinkingText: block.Thinking,
					ToolIDs:      toolIDs,
					Messages:     req.Messages,
				})
				if ok {
					block.Signature = sig
					res.RecoveredSignatures++
					res.Changed = true
					log.Printf("[Sanitizer] signature recovered via %s", layer)
					continue
				}
			}

			degradeBlock(block)
			res.DegradedThinking++
			res.Changed = true
		}
	}
}

// recoverToolSignatures attaches cached signatures to tool_use blocks
// that lost theirs, so the Gemini converter can put them back on the
// wire as thoughtSignature. Gemini targets only; Anthropic upstreams
// reject unknown fields on tool_use blocks.
func (s *Sanitizer) recoverToolSignatures(req *converter.ClaudeRequest, opts Options, res *Result) {
	if opts.TargetFamily != domain.FamilyGemini {
		return
	}
	for mi := range req.Messages {
		msg := &req.Messages[mi]
		if msg.Role != "assistant" {
			continue
		}
		for bi := range msg.Content {
			block := &msg.Content[bi]
			if block.Type != "tool_use" || block.ID == "" {
				continue
			}
			if signature.HasValidSignature(block.Signature) {
				continue
			}
			sig, layer, ok := s.signatures.Recover(signature.RecoveryInput{
				ClientType: opts.Client.Type,
				Family:     opts.TargetFamily,
				ToolIDs:    []string{block.ID},
			})
			if !ok {
				continue
			}
			block.Signature = sig
			res.RecoveredSignatures++
			res.Changed = true
			log.Printf("[Sanitizer] tool signature recovered via %s", layer)
		}
	}
}

// recoverToolLoop applies the broken-tool-loop strategy: when the last
// assistant message carries tool calls but lost its leading thinking
// block, restore one from the session cache; failing that, disable
// thinking for the turn so the upstream does not reject the shape.
func (s *Sanitizer) recoverToolLoop(req *converter.ClaudeRequest, opts Options, res *Result) {
	if !req.Thinking.Enabled() || len(req.Messages) == 0 {
		return
	}

	lastAssistant := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "assistant" {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 || lastAssistant == len(req.Messages)-1 {
		// no open loop: the conversation does not continue past the
		// assistant turn
		return
	}

	msg := &req.Messages[lastAssistant]
	hasToolUse := false
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			hasToolUse = true
			break
		}
	}
	if !hasToolUse {
		return
	}
	if len(msg.Content) > 0 && msg.Content[0].Type == "thinking" {
		return
	}

	fps := signature.ComputeFingerprints(req.Messages[:lastAssistant+1])
	if sig, text, ok := s.signatures.LookupFingerprint(opts.TargetFamily, fps); ok && text != "" {
		restored := converter.ContentBlocks{{
			Type:      "thinking",
			Thinking:  text,
			Signature: sig,
		}}
		msg.Content = append(restored, msg.Content...)
		res.RestoredThinking = true
		res.Changed = true
		log.Printf("[Sanitizer] restored thinking block for broken tool loop")
		return
	}

	res.ThinkingDisabled = true
	res.Changed = true
}

// enforceToolChain repairs the tool pairing. A tool_result is kept only
// when it answers a still-open tool_use from the immediately preceding
// assistant message; results that arrive before their call, answer an
// earlier turn, or duplicate an answer are orphans. An unanswered
// tool_use the conversation has already moved past gets a synthetic
// empty result so the pairing stays intact.
func (s *Sanitizer) enforceToolChain(req *converter.ClaudeRequest, res *Result) {
	open := map[string]bool{}
	var messages []converter.ClaudeMessage
	for _, msg := range req.Messages {
		if msg.Role == "assistant" {
			open = map[string]bool{}
			for _, block := range msg.Content {
				if block.Type == "tool_use" && block.ID != "" {
					open[block.ID] = true
				}
			}
			messages = append(messages, msg)
			continue
		}
		var kept converter.ContentBlocks
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				if !open[block.ToolUseID] {
					res.DroppedOrphans++
					res.Changed = true
					continue
				}
				delete(open, block.ToolUseID)
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			res.Changed = true
			continue
		}
		msg.Content = kept
		messages = append(messages, msg)
	}

	// Inject empty results for tool calls the conversation abandoned.
	// The final assistant message is exempt: its results are legitimately
	// still in flight when it ends the list.
	var out []converter.ClaudeMessage
	for i, msg := range messages {
		out = append(out, msg)
		if msg.Role != "assistant" || i == len(messages)-1 {
			continue
		}
		answered := map[string]bool{}
		for j := i + 1; j < len(messages) && messages[j].Role != "assistant"; j++ {
			for _, block := range messages[j].Content {
				if block.Type == "tool_result" {
					answered[block.ToolUseID] = true
				}
			}
		}
		var injected converter.ContentBlocks
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ID != "" && !answered[block.ID] {
				injected = append(injected, converter.ContentBlock{
					Type:      "tool_result",
					ToolUseID: block.ID,
					Content:   "(empty result)",
				})
			}
		}
		if len(injected) > 0 {
			out = append(out, converter.ClaudeMessage{Role: "user", Content: injected})
			res.InjectedResults += len(injected)
			res.Changed = true
		}
	}
	req.Messages = out
}

// enforceThinkingConfig reconciles the thinking request parameter with
// what the message history actually carries.
func (s *Sanitizer) enforceThinkingConfig(req *converter.ClaudeRequest, res *Result) {
	hasThinking := false
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			if block.Type == "thinking" || block.Type == "redacted_thinking" {
				hasThinking = true
				break
			}
		}
	}

	if res.ThinkingDisabled || (!hasThinking && res.DegradedThinking > 0) {
		if req.Thinking != nil {
			req.Thinking = nil
			res.Changed = true
		}
		res.ThinkingDisabled = true
	}
}
