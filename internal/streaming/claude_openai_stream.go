package streaming

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// ClaudeToOpenAIStream converts Anthropic Messages SSE into OpenAI chat
// completion chunks. Used when an Anthropic-native upstream serves an
// OpenAI-protocol client.
type ClaudeToOpenAIStream struct {
	requestModel string
	responseID   string
	created      int64

	inThinking bool
	usedTool   bool
	toolIndex  int

	// blockTypes maps the upstream content block index to its type so
	// deltas can be routed after content_block_start.
	blockTypes map[int]string
	// toolIndexes maps upstream block index to the OpenAI tool call
	// index assigned at block start.
	toolIndexes map[int]int

	usage    *converter.OpenAIUsage
	recorder *Recorder
	buffer   string
	finished bool

	thinkingBuffer string
}

func NewClaudeToOpenAIStream(requestModel string, recorder *Recorder) *ClaudeToOpenAIStream {
	return &ClaudeToOpenAIStream{
		requestModel: requestModel,
		created:      time.Now().Unix(),
		blockTypes:   map[int]string{},
		toolIndexes:  map[int]int{},
		recorder:     recorder,
	}
}

func (s *ClaudeToOpenAIStream) chunk(delta *converter.OpenAIMessage, finishReason string) []byte {
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

func (s *ClaudeToOpenAIStream) closeThinking() []byte {
	if !s.inThinking {
		return nil
	}
	s.inThinking = false
	return s.chunk(&converter.OpenAIMessage{Content: "\n</think>\n"}, "")
}

// Process consumes one raw chunk of Anthropic SSE and returns OpenAI SSE
// bytes to forward.
func (s *ClaudeToOpenAIStream) Process(chunk []byte) []byte {
	events, remaining := converter.ParseSSE(s.buffer + string(chunk))
	s.buffer = remaining

	var output []byte
	for _, event := range events {
		var ev converter.ClaudeStreamEvent
		if err := sonic.Unmarshal(event.Data, &ev); err != nil {
			continue
		}
		output = append(output, s.processEvent(&ev)...)
	}
	return output
}

func (s *ClaudeToOpenAIStream) processEvent(ev *converter.ClaudeStreamEvent) []byte {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.responseID = "chatcmpl-" + ev.Message.ID
			if s.requestModel == "" {
				s.requestModel = ev.Message.Model
			}
			s.usage = &converter.OpenAIUsage{
				PromptTokens: ev.Message.Usage.InputTokens,
			}
		}
		return s.chunk(&converter.OpenAIMessage{Role: "assistant", Content: ""}, "")

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		s.blockTypes[ev.Index] = ev.ContentBlock.Type
		switch ev.ContentBlock.Type {
		case "thinking":
			s.inThinking = true
			s.thinkingBuffer = ""
			return s.chunk(&converter.OpenAIMessage{Content: "\n<think>\n"}, "")
		case "tool_use":
			s.usedTool = true
			idx := s.toolIndex
			s.toolIndex++
			s.toolIndexes[ev.Index] = idx
			var output []byte
			output = append(output, s.closeThinking()...)
			output = append(output, s.chunk(&converter.OpenAIMessage{
				ToolCalls: []converter.OpenAIToolCall{{
					Index: &idx,
					ID:    ev.ContentBlock.ID,
					Type:  "function",
					Function: converter.OpenAIFunctionCall{
						Name: ev.ContentBlock.Name,
					},
				}},
			}, "")...)
			return output
		}
		return nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch s.blockTypes[ev.Index] {
		case "thinking":
			if ev.Delta.Thinking != "" {
				s.thinkingBuffer += ev.Delta.Thinking
				return s.chunk(&converter.OpenAIMessage{Content: ev.Delta.Thinking}, "")
			}
			if ev.Delta.Signature != "" {
				s.recorder.recordThinking(s.thinkingBuffer, ev.Delta.Signature)
				s.recorder.recordSession(ev.Delta.Signature, s.thinkingBuffer)
			}
			return nil
		case "tool_use":
			if ev.Delta.PartialJSON == "" {
				return nil
			}
			idx := s.toolIndexes[ev.Index]
			return s.chunk(&converter.OpenAIMessage{
				ToolCalls: []converter.OpenAIToolCall{{
					Index:    &idx,
					Function: converter.OpenAIFunctionCall{Arguments: ev.Delta.PartialJSON},
				}},
			}, "")
		default:
			if ev.Delta.Text == "" {
				return nil
			}
			var output []byte
			output = append(output, s.closeThinking()...)
			output = append(output, s.chunk(&converter.OpenAIMessage{Content: ev.Delta.Text}, "")...)
			return output
		}

	case "content_block_stop":
		if s.blockTypes[ev.Index] == "thinking" {
			return s.closeThinking()
		}
		return nil

	case "message_delta":
		if ev.Usage != nil {
			if s.usage == nil {
				s.usage = &converter.OpenAIUsage{}
			}
			s.usage.CompletionTokens = ev.Usage.OutputTokens
			s.usage.TotalTokens = s.usage.PromptTokens + ev.Usage.OutputTokens
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.finished = true
			var output []byte
			output = append(output, s.closeThinking()...)
			output = append(output, s.chunk(&converter.OpenAIMessage{}, converter.ClaudeStopToOpenAI(ev.Delta.StopReason))...)
			return output
		}
		return nil

	case "message_stop":
		var output []byte
		if !s.finished {
			s.finished = true
			output = append(output, s.closeThinking()...)
			output = append(output, s.chunk(&converter.OpenAIMessage{}, "stop")...)
		}
		output = append(output, converter.FormatDone()...)
		return output
	}
	return nil
}

// Finish flushes termination if the upstream stream ended abruptly.
func (s *ClaudeToOpenAIStream) Finish() []byte {
	if s.finished {
		return nil
	}
	s.finished = true
	var output []byte
	output = append(output, s.closeThinking()...)
	output = append(output, s.chunk(&converter.OpenAIMessage{}, "stop")...)
	output = append(output, converter.FormatDone()...)
	return output
}
