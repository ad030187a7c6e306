package streaming

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/signature"
)

// BlockType represents the content block currently being emitted
type BlockType int

const (
	BlockTypeNone BlockType = iota
	BlockTypeText
	BlockTypeThinking
	BlockTypeFunction
)

// GeminiToClaudeStream converts a Gemini SSE stream into Anthropic
// Messages events. One instance per request; not safe for concurrent
// use.
type GeminiToClaudeStream struct {
	blockType        BlockType
	blockIndex       int
	messageStartSent bool
	messageStopSent  bool
	usedTool         bool

	// Signature management. pendingSignature is flushed as a
	// signature_delta when the open thinking block closes; a trailing
	// signature with no block of its own becomes an empty thinking
	// block.
	pendingSignature  *string
	trailingSignature *string

	// Accumulated thinking text of the open block, for cache keying.
	thinkingBuffer strings.Builder

	inputTokens     int
	outputTokens    int
	cacheReadTokens int

	requestModel string
	responseID   string

	// decorateToolIDs smuggles the current signature into minted
	// tool_use ids for clients that echo ids verbatim.
	decorateToolIDs bool

	recorder *Recorder
	buffer   string
}

func NewGeminiToClaudeStream(requestModel string, decorateToolIDs bool, recorder *Recorder) *GeminiToClaudeStream {
	return &GeminiToClaudeStream{
		requestModel:    requestModel,
		decorateToolIDs: decorateToolIDs,
		recorder:        recorder,
	}
}

func formatSSE(eventType string, data interface{}) []byte {
	jsonBytes, err := sonic.Marshal(data)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonBytes)))
}

func (s *GeminiToClaudeStream) emit(eventType string, data map[string]interface{}) []byte {
	return formatSSE(eventType, data)
}

func (s *GeminiToClaudeStream) emitDelta(deltaType string, deltaContent map[string]interface{}) []byte {
	delta := map[string]interface{}{"type": deltaType}
	for k, v := range deltaContent {
		delta[k] = v
	}
	return s.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": delta,
	})
}

func (s *GeminiToClaudeStream) emitMessageStart(chunk *converter.GeminiStreamChunk) []byte {
	if s.messageStartSent {
		return nil
	}

	responseID := chunk.ResponseID
	if responseID == "" {
		responseID = strings.TrimPrefix(converter.NewToolUseID(), "toolu_")
	}
	s.responseID = "msg_" + responseID

	model := s.requestModel
	if model == "" {
		model = chunk.ModelVersion
	}

	message := map[string]interface{}{
		"id":            s.responseID,
		"type":          "message",
		"role":          "assistant",
		"content":       []interface{}{},
		"model":         model,
		"stop_reason":   nil,
		"stop_sequence": nil,
	}

	if chunk.UsageMetadata != nil {
		cached := chunk.UsageMetadata.CachedContentTokenCount
		input := chunk.UsageMetadata.PromptTokenCount - cached
		if input < 0 {
			input = 0
		}
		usage := map[string]interface{}{
			"input_tokens":                input,
			"output_tokens":               chunk.UsageMetadata.CandidatesTokenCount,
			"cache_creation_input_tokens": 0,
		}
		if cached > 0 {
			usage["cache_read_input_tokens"] = cached
		}
		message["usage"] = usage
	}

	out := s.emit("message_start", map[string]interface{}{
		"type":    "message_start",
		"message": message,
	})
	s.messageStartSent = true
	return out
}

func (s *GeminiToClaudeStream) startBlock(blockType BlockType, contentBlock map[string]interface{}) [][]byte {
	var chunks [][]byte
	if s.blockType != BlockTypeNone {
		chunks = append(chunks, s.endBlock()...)
	}
	chunks = append(chunks, s.emit("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": contentBlock,
	}))
	s.blockType = blockType
	return chunks
}

func (s *GeminiToClaudeStream) endBlock() [][]byte {
	if s.blockType == BlockTypeNone {
		return nil
	}
	var chunks [][]byte

	if s.blockType == BlockTypeThinking {
		if s.pendingSignature != nil {
			chunks = append(chunks, s.emitDelta("signature_delta", map[string]interface{}{
				"signature": *s.pendingSignature,
			}))
			s.recorder.recordThinking(s.thinkingBuffer.String(), *s.pendingSignature)
			s.pendingSignature = nil
		}
		s.thinkingBuffer.Reset()
	}

	chunks = append(chunks, s.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}))
	s.blockIndex++
	s.blockType = BlockTypeNone
	return chunks
}

func (s *GeminiToClaudeStream) emitFinish(finishReason string, usage *converter.GeminiUsageMetadata) [][]byte {
	var chunks [][]byte
	chunks = append(chunks, s.endBlock()...)

	// A signature that arrived after all content becomes an empty
	// thinking block so the client can echo it back next turn.
	if s.trailingSignature != nil {
		chunks = append(chunks, s.emitEmptyThinkingWithSignature(*s.trailingSignature)...)
		s.trailingSignature = nil
	}

	stopReason := converter.GeminiFinishToClaude(finishReason, s.usedTool)

	usageMap := map[string]interface{}{
		"input_tokens":  s.inputTokens,
		"output_tokens": s.outputTokens,
	}
	if usage != nil {
		cached := usage.CachedContentTokenCount
		input := usage.PromptTokenCount - cached
		if input < 0 {
			input = 0
		}
		usageMap["input_tokens"] = input
		usageMap["output_tokens"] = usage.CandidatesTokenCount
		if cached > 0 {
			usageMap["cache_read_input_tokens"] = cached
		}
		usageMap["cache_creation_input_tokens"] = 0
	}

	chunks = append(chunks, s.emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usageMap,
	}))

	if !s.messageStopSent {
		chunks = append(chunks, []byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
		s.messageStopSent = true
	}
	return chunks
}

func (s *GeminiToClaudeStream) storeSignature(sig string) {
	if sig == "" {
		return
	}
	s.pendingSignature = &sig
	s.recorder.recordSession(sig, s.thinkingBuffer.String())
}

func (s *GeminiToClaudeStream) flushTrailing() [][]byte {
	if s.trailingSignature == nil {
		return nil
	}
	var chunks [][]byte
	chunks = append(chunks, s.endBlock()...)
	chunks = append(chunks, s.emitEmptyThinkingWithSignature(*s.trailingSignature)...)
	s.trailingSignature = nil
	return chunks
}

func (s *GeminiToClaudeStream) emitEmptyThinkingWithSignature(sig string) [][]byte {
	var chunks [][]byte
	chunks = append(chunks, s.emit("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": s.blockIndex,
		"content_block": map[string]interface{}{
			"type":     "thinking",
			"thinking": "",
		},
	}))
	chunks = append(chunks, s.emitDelta("thinking_delta", map[string]interface{}{"thinking": ""}))
	chunks = append(chunks, s.emitDelta("signature_delta", map[string]interface{}{"signature": sig}))
	chunks = append(chunks, s.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}))
	s.blockIndex++
	return chunks
}

func (s *GeminiToClaudeStream) processThinking(text, sig string) [][]byte {
	var chunks [][]byte
	chunks = append(chunks, s.flushTrailing()...)

	if s.blockType != BlockTypeThinking {
		chunks = append(chunks, s.startBlock(BlockTypeThinking, map[string]interface{}{
			"type":     "thinking",
			"thinking": "",
		})...)
	}
	if text != "" {
		s.thinkingBuffer.WriteString(text)
		chunks = append(chunks, s.emitDelta("thinking_delta", map[string]interface{}{
			"thinking": text,
		}))
	}
	if sig != "" {
		s.storeSignature(sig)
	}
	return chunks
}

func (s *GeminiToClaudeStream) processText(text, sig string) [][]byte {
	var chunks [][]byte

	// Empty text carrying a signature: hold it as trailing.
	if text == "" {
		if sig != "" {
			s.trailingSignature = &sig
			s.recorder.recordSession(sig, "")
		}
		return chunks
	}

	chunks = append(chunks, s.flushTrailing()...)

	// Text with an attached signature: emit the text, then an empty
	// thinking block carrying the signature.
	if sig != "" {
		chunks = append(chunks, s.startBlock(BlockTypeText, map[string]interface{}{
			"type": "text",
			"text": "",
		})...)
		chunks = append(chunks, s.emitDelta("text_delta", map[string]interface{}{"text": text}))
		chunks = append(chunks, s.endBlock()...)
		chunks = append(chunks, s.emitEmptyThinkingWithSignature(sig)...)
		s.recorder.recordSession(sig, "")
		return chunks
	}

	if s.blockType != BlockTypeText {
		chunks = append(chunks, s.startBlock(BlockTypeText, map[string]interface{}{
			"type": "text",
			"text": "",
		})...)
	}
	chunks = append(chunks, s.emitDelta("text_delta", map[string]interface{}{"text": text}))
	return chunks
}

func (s *GeminiToClaudeStream) processFunctionCall(fc *converter.GeminiFunctionCall, sig string) [][]byte {
	var chunks [][]byte
	chunks = append(chunks, s.flushTrailing()...)

	s.usedTool = true

	toolID := converter.NewToolUseID()
	if s.decorateToolIDs && signature.HasValidSignature(sig) {
		toolID = signature.DecorateToolID(toolID, sig)
	}
	if sig != "" {
		s.recorder.recordTool(toolID, sig)
		if base, _, ok := signature.SplitDecoratedToolID(toolID); ok {
			s.recorder.recordTool(base, sig)
		}
	}

	toolUse := map[string]interface{}{
		"type":  "tool_use",
		"id":    toolID,
		"name":  fc.Name,
		"input": map[string]interface{}{}, // args arrive via input_json_delta
	}
	chunks = append(chunks, s.startBlock(BlockTypeFunction, toolUse)...)

	if fc.Args != nil {
		argsJSON, _ := sonic.Marshal(fc.Args)
		chunks = append(chunks, s.emitDelta("input_json_delta", map[string]interface{}{
			"partial_json": string(argsJSON),
		}))
	}
	chunks = append(chunks, s.endBlock()...)
	return chunks
}

func (s *GeminiToClaudeStream) processPart(part *converter.GeminiPart) [][]byte {
	sig := part.ThoughtSignature
	if part.FunctionCall != nil {
		return s.processFunctionCall(part.FunctionCall, sig)
	}
	if part.Text != "" || sig != "" {
		if part.Thought {
			return s.processThinking(part.Text, sig)
		}
		return s.processText(part.Text, sig)
	}
	if part.InlineData != nil && part.InlineData.Data != "" {
		markdownImg := fmt.Sprintf("![image](data:%s;base64,%s)", part.InlineData.MimeType, part.InlineData.Data)
		return s.processText(markdownImg, "")
	}
	return nil
}

// Process consumes one raw chunk of upstream SSE and returns Anthropic
// SSE bytes to forward.
func (s *GeminiToClaudeStream) Process(chunk []byte) []byte {
	events, remaining := converter.ParseSSE(s.buffer + string(chunk))
	s.buffer = remaining

	var output []byte
	for _, event := range events {
		if event.Event == "done" {
			output = append(output, s.Finish()...)
			continue
		}
		var gc converter.GeminiStreamChunk
		if err := sonic.Unmarshal(event.Data, &gc); err != nil {
			continue
		}
		output = append(output, s.processChunk(&gc)...)
	}
	return output
}

func (s *GeminiToClaudeStream) processChunk(chunk *converter.GeminiStreamChunk) []byte {
	var output []byte

	if !s.messageStartSent {
		if data := s.emitMessageStart(chunk); data != nil {
			output = append(output, data...)
		}
	}

	if chunk.UsageMetadata != nil {
		cached := chunk.UsageMetadata.CachedContentTokenCount
		input := chunk.UsageMetadata.PromptTokenCount - cached
		if input < 0 {
			input = 0
		}
		s.inputTokens = input
		s.outputTokens = chunk.UsageMetadata.CandidatesTokenCount
		s.cacheReadTokens = cached
	}

	if len(chunk.Candidates) > 0 {
		candidate := chunk.Candidates[0]
		for i := range candidate.Content.Parts {
			for _, c := range s.processPart(&candidate.Content.Parts[i]) {
				output = append(output, c...)
			}
		}
		if candidate.FinishReason != "" {
			for _, c := range s.emitFinish(candidate.FinishReason, chunk.UsageMetadata) {
				output = append(output, c...)
			}
		}
	}
	return output
}

// Finish flushes termination events if the upstream ended without a
// finishReason.
func (s *GeminiToClaudeStream) Finish() []byte {
	if s.messageStopSent {
		return nil
	}
	var output []byte
	if !s.messageStartSent {
		output = append(output, s.emitMessageStart(&converter.GeminiStreamChunk{})...)
	}
	for _, c := range s.emitFinish("", nil) {
		output = append(output, c...)
	}
	return output
}

// Usage returns the token counts observed on the stream.
func (s *GeminiToClaudeStream) Usage() (input, output, cacheRead int) {
	return s.inputTokens, s.outputTokens, s.cacheReadTokens
}
