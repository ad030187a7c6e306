package streaming

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/signature"
)

// GeminiToOpenAIStream converts a Gemini SSE stream into OpenAI chat
// completion chunks. Thinking is fenced into the text stream as
// <think>...</think> since the Chat Completions wire has no thinking
// channel.
type GeminiToOpenAIStream struct {
	requestModel string
	responseID   string
	created      int64

	inThinking bool
	toolIndex  int
	usedTool   bool

	// decorateToolIDs smuggles the current signature into minted tool
	// call ids for clients that echo ids verbatim.
	decorateToolIDs bool

	usage *converter.OpenAIUsage

	recorder *Recorder
	buffer   string
	finished bool

	thinkingBuffer string
}

func NewGeminiToOpenAIStream(requestModel string, decorateToolIDs bool, recorder *Recorder) *GeminiToOpenAIStream {
	return &GeminiToOpenAIStream{
		requestModel:    requestModel,
		decorateToolIDs: decorateToolIDs,
		created:         time.Now().Unix(),
		recorder:        recorder,
	}
}

func (s *GeminiToOpenAIStream) chunk(delta *converter.OpenAIMessage, finishReason string) []byte {
	out := converter.OpenAIStreamChunk{
		ID:      s.responseID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.requestModel,
		Choices: []converter.OpenAIChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
	if finishReason != "" {
		out.Usage = s.usage
	}
	data, err := sonic.Marshal(out)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(data) + "\n\n")
}

func (s *GeminiToOpenAIStream) ensureID(chunk *converter.GeminiStreamChunk) {
	if s.responseID != "" {
		return
	}
	id := chunk.ResponseID
	if id == "" {
		id = converter.NewToolUseID()[6:]
	}
	s.responseID = "chatcmpl-" + id
	if s.requestModel == "" {
		s.requestModel = chunk.ModelVersion
	}
}

func (s *GeminiToOpenAIStream) openThinking() []byte {
	if s.inThinking {
		return nil
	}
	s.inThinking = true
	return s.chunk(&converter.OpenAIMessage{Role: "assistant", Content: "\n<think>\n"}, "")
}

func (s *GeminiToOpenAIStream) closeThinking() []byte {
	if !s.inThinking {
		return nil
	}
	s.inThinking = false
	s.thinkingBuffer = ""
	return s.chunk(&converter.OpenAIMessage{Content: "\n</think>\n"}, "")
}

func (s *GeminiToOpenAIStream) processPart(part *converter.GeminiPart) []byte {
	var output []byte

	if sig := part.ThoughtSignature; sig != "" {
		// OpenAI clients cannot echo signatures, but caching them keeps
		// the recovery layers warm for the conversation.
		s.recorder.recordThinking(s.thinkingBuffer, sig)
		s.recorder.recordSession(sig, s.thinkingBuffer)
	}

	switch {
	case part.FunctionCall != nil:
		output = append(output, s.closeThinking()...)
		s.usedTool = true

		toolID := converter.NewToolUseID()
		if sig := part.ThoughtSignature; signature.HasValidSignature(sig) {
			s.recorder.recordTool(toolID, sig)
			if s.decorateToolIDs {
				toolID = signature.DecorateToolID(toolID, sig)
			}
		}
		args := "{}"
		if part.FunctionCall.Args != nil {
			if b, err := sonic.Marshal(part.FunctionCall.Args); err == nil {
				args = string(b)
			}
		}
		idx := s.toolIndex
		s.toolIndex++
		output = append(output, s.chunk(&converter.OpenAIMessage{
			Role: "assistant",
			ToolCalls: []converter.OpenAIToolCall{{
				Index: &idx,
				ID:    toolID,
				Type:  "function",
				Function: converter.OpenAIFunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			}},
		}, "")...)

	case part.Thought:
		if part.Text == "" {
			break
		}
		output = append(output, s.openThinking()...)
		s.thinkingBuffer += part.Text
		output = append(output, s.chunk(&converter.OpenAIMessage{Content: part.Text}, "")...)

	case part.Text != "":
		output = append(output, s.closeThinking()...)
		output = append(output, s.chunk(&converter.OpenAIMessage{Content: part.Text}, "")...)
	}
	return output
}

// Process consumes one raw chunk of upstream SSE and returns OpenAI SSE
// bytes to forward.
func (s *GeminiToOpenAIStream) Process(chunk []byte) []byte {
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

func (s *GeminiToOpenAIStream) processChunk(chunk *converter.GeminiStreamChunk) []byte {
	s.ensureID(chunk)

	if chunk.UsageMetadata != nil {
		s.usage = &converter.OpenAIUsage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}

	var output []byte
	if len(chunk.Candidates) > 0 {
		candidate := chunk.Candidates[0]
		for i := range candidate.Content.Parts {
			output = append(output, s.processPart(&candidate.Content.Parts[i])...)
		}
		if candidate.FinishReason != "" {
			output = append(output, s.finishWith(candidate.FinishReason)...)
		}
	}
	return output
}

func (s *GeminiToOpenAIStream) finishWith(finishReason string) []byte {
	if s.finished {
		return nil
	}
	s.finished = true

	var output []byte
	output = append(output, s.closeThinking()...)

	stop := converter.GeminiFinishToClaude(finishReason, s.usedTool)
	output = append(output, s.chunk(&converter.OpenAIMessage{}, converter.ClaudeStopToOpenAI(stop))...)
	output = append(output, converter.FormatDone()...)
	return output
}

// Finish flushes termination if the upstream ended without a
// finishReason.
func (s *GeminiToOpenAIStream) Finish() []byte {
	if s.finished {
		return nil
	}
	if s.responseID == "" {
		s.ensureID(&converter.GeminiStreamChunk{})
	}
	return s.finishWith("")
}
