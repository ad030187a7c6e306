package streaming

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// OpenAIToClaudeStream converts OpenAI chat completion chunks into
// Anthropic Messages events. Used when an OpenAI-native upstream serves
// an Anthropic-protocol client. Reasoning content is forwarded as an
// unsigned thinking block; <think> fences inside plain content are
// detected and rerouted the same way.
type OpenAIToClaudeStream struct {
	blockType        BlockType
	blockIndex       int
	messageStartSent bool
	messageStopSent  bool
	usedTool         bool

	requestModel string
	responseID   string

	inputTokens  int
	outputTokens int

	// openToolIndex is the OpenAI tool call index of the open function
	// block, -1 when none.
	openToolIndex int

	// fence tracking for <think> markers embedded in content
	fenceCarry string

	buffer   string
	finished bool
}

func NewOpenAIToClaudeStream(requestModel string) *OpenAIToClaudeStream {
	return &OpenAIToClaudeStream{
		requestModel:  requestModel,
		openToolIndex: -1,
	}
}

func (s *OpenAIToClaudeStream) emit(eventType string, data map[string]interface{}) []byte {
	return formatSSE(eventType, data)
}

func (s *OpenAIToClaudeStream) emitDelta(deltaType string, deltaContent map[string]interface{}) []byte {
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

func (s *OpenAIToClaudeStream) emitMessageStart(chunk *converter.OpenAIStreamChunk) []byte {
	if s.messageStartSent {
		return nil
	}
	id := chunk.ID
	if id == "" {
		id = converter.NewToolUseID()[6:]
	}
	s.responseID = "msg_" + strings.TrimPrefix(id, "chatcmpl-")

	model := s.requestModel
	if model == "" {
		model = chunk.Model
	}

	out := s.emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            s.responseID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
	s.messageStartSent = true
	return out
}

func (s *OpenAIToClaudeStream) startBlock(blockType BlockType, contentBlock map[string]interface{}) [][]byte {
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

func (s *OpenAIToClaudeStream) endBlock() [][]byte {
	if s.blockType == BlockTypeNone {
		return nil
	}
	chunks := [][]byte{s.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})}
	s.blockIndex++
	s.blockType = BlockTypeNone
	s.openToolIndex = -1
	return chunks
}

func (s *OpenAIToClaudeStream) processThinking(text string) [][]byte {
	var chunks [][]byte
	if s.blockType != BlockTypeThinking {
		chunks = append(chunks, s.startBlock(BlockTypeThinking, map[string]interface{}{
			"type":     "thinking",
			"thinking": "",
		})...)
	}
	if text != "" {
		chunks = append(chunks, s.emitDelta("thinking_delta", map[string]interface{}{"thinking": text}))
	}
	return chunks
}

func (s *OpenAIToClaudeStream) processText(text string) [][]byte {
	var chunks [][]byte
	if text == "" {
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

// processContent routes content through <think> fence detection. Fences
// may be split across chunks, so a partial marker at the tail is carried
// to the next call.
func (s *OpenAIToClaudeStream) processContent(text string) [][]byte {
	text = s.fenceCarry + text
	s.fenceCarry = ""

	var chunks [][]byte
	for text != "" {
		marker := "<think>"
		if s.blockType == BlockTypeThinking {
			marker = "</think>"
		}

		idx := strings.Index(text, marker)
		if idx < 0 {
			// Hold back a potential partial marker at the tail.
			hold := partialMarkerSuffix(text, marker)
			body := text[:len(text)-len(hold)]
			s.fenceCarry = hold
			if body != "" {
				if s.blockType == BlockTypeThinking {
					chunks = append(chunks, s.processThinking(body)...)
				} else {
					chunks = append(chunks, s.processText(body)...)
				}
			}
			return chunks
		}

		body := text[:idx]
		if s.blockType == BlockTypeThinking {
			chunks = append(chunks, s.processThinking(body)...)
			chunks = append(chunks, s.endBlock()...)
		} else {
			chunks = append(chunks, s.processText(body)...)
			chunks = append(chunks, s.processThinking("")...)
		}
		text = text[idx+len(marker):]
	}
	return chunks
}

// partialMarkerSuffix returns the longest proper prefix of marker that
// text ends with.
func partialMarkerSuffix(text, marker string) string {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, marker[:n]) {
			return text[len(text)-n:]
		}
	}
	return ""
}

func (s *OpenAIToClaudeStream) processToolCall(tc *converter.OpenAIToolCall) [][]byte {
	var chunks [][]byte
	s.usedTool = true

	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}

	// A new id or index opens a new tool_use block; bare argument deltas
	// append to the open one.
	if tc.ID != "" || idx != s.openToolIndex || s.blockType != BlockTypeFunction {
		id := tc.ID
		if id == "" {
			id = converter.NewToolUseID()
		}
		chunks = append(chunks, s.startBlock(BlockTypeFunction, map[string]interface{}{
			"type":  "tool_use",
			"id":    id,
			"name":  tc.Function.Name,
			"input": map[string]interface{}{},
		})...)
		s.openToolIndex = idx
	}

	if tc.Function.Arguments != "" {
		chunks = append(chunks, s.emitDelta("input_json_delta", map[string]interface{}{
			"partial_json": tc.Function.Arguments,
		}))
	}
	return chunks
}

// Process consumes one raw chunk of OpenAI SSE and returns Anthropic SSE
// bytes to forward.
func (s *OpenAIToClaudeStream) Process(chunk []byte) []byte {
	events, remaining := converter.ParseSSE(s.buffer + string(chunk))
	s.buffer = remaining

	var output []byte
	for _, event := range events {
		if event.Event == "done" {
			output = append(output, s.Finish()...)
			continue
		}
		var oc converter.OpenAIStreamChunk
		if err := sonic.Unmarshal(event.Data, &oc); err != nil {
			continue
		}
		output = append(output, s.processChunk(&oc)...)
	}
	return output
}

func (s *OpenAIToClaudeStream) processChunk(chunk *converter.OpenAIStreamChunk) []byte {
	var output []byte
	if !s.messageStartSent {
		output = append(output, s.emitMessageStart(chunk)...)
	}

	if chunk.Usage != nil {
		s.inputTokens = chunk.Usage.PromptTokens
		s.outputTokens = chunk.Usage.CompletionTokens
	}

	if len(chunk.Choices) == 0 {
		return output
	}
	choice := chunk.Choices[0]

	if choice.Delta != nil {
		if choice.Delta.ReasoningContent != "" {
			for _, c := range s.processThinking(choice.Delta.ReasoningContent) {
				output = append(output, c...)
			}
		}
		for i := range choice.Delta.ToolCalls {
			for _, c := range s.processToolCall(&choice.Delta.ToolCalls[i]) {
				output = append(output, c...)
			}
		}
		if text, ok := choice.Delta.Content.(string); ok && text != "" {
			for _, c := range s.processContent(text) {
				output = append(output, c...)
			}
		}
	}

	if choice.FinishReason != "" {
		output = append(output, s.emitFinish(choice.FinishReason)...)
	}
	return output
}

func (s *OpenAIToClaudeStream) emitFinish(finishReason string) []byte {
	if s.finished {
		return nil
	}
	s.finished = true

	var output []byte
	for _, c := range s.endBlock() {
		output = append(output, c...)
	}

	stopReason := converter.OpenAIFinishToClaude(finishReason)
	if s.usedTool && (finishReason == "" || finishReason == "tool_calls") {
		stopReason = "tool_use"
	}

	output = append(output, s.emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"input_tokens":  s.inputTokens,
			"output_tokens": s.outputTokens,
		},
	})...)

	if !s.messageStopSent {
		output = append(output, []byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")...)
		s.messageStopSent = true
	}
	return output
}

// Finish flushes termination if the upstream ended without a finish
// reason.
func (s *OpenAIToClaudeStream) Finish() []byte {
	if s.messageStopSent {
		return nil
	}
	var output []byte
	if !s.messageStartSent {
		output = append(output, s.emitMessageStart(&converter.OpenAIStreamChunk{})...)
	}
	output = append(output, s.emitFinish("")...)
	return output
}
