package streaming

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// ClaudeResponseToSSE synthesizes a full Anthropic event stream from a
// complete response, for streaming clients served by a non-streaming
// upstream call.
func ClaudeResponseToSSE(resp *converter.ClaudeResponse) []byte {
	var out []byte

	out = append(out, formatSSE("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            resp.ID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         resp.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": 0,
			},
		},
	})...)

	for i, block := range resp.Content {
		switch block.Type {
		case "thinking":
			out = append(out, blockEvents(i,
				map[string]interface{}{"type": "thinking", "thinking": ""},
				deltaEvent(i, "thinking_delta", map[string]interface{}{"thinking": block.Thinking}),
				deltaIf(block.Signature != "", i, "signature_delta", map[string]interface{}{"signature": block.Signature}),
			)...)
		case "text":
			out = append(out, blockEvents(i,
				map[string]interface{}{"type": "text", "text": ""},
				deltaEvent(i, "text_delta", map[string]interface{}{"text": block.Text}),
				nil,
			)...)
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			argsJSON, _ := sonic.Marshal(input)
			out = append(out, blockEvents(i,
				map[string]interface{}{"type": "tool_use", "id": block.ID, "name": block.Name, "input": map[string]interface{}{}},
				deltaEvent(i, "input_json_delta", map[string]interface{}{"partial_json": string(argsJSON)}),
				nil,
			)...)
		case "redacted_thinking":
			out = append(out, blockEvents(i,
				map[string]interface{}{"type": "redacted_thinking", "data": block.Data},
				nil, nil,
			)...)
		}
	}

	stopReason := resp.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	out = append(out, formatSSE("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})...)
	out = append(out, []byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")...)
	return out
}

func blockEvents(index int, contentBlock map[string]interface{}, deltas ...[]byte) []byte {
	var out []byte
	out = append(out, formatSSE("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         index,
		"content_block": contentBlock,
	})...)
	for _, d := range deltas {
		out = append(out, d...)
	}
	out = append(out, formatSSE("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})...)
	return out
}

func deltaEvent(index int, deltaType string, content map[string]interface{}) []byte {
	delta := map[string]interface{}{"type": deltaType}
	for k, v := range content {
		delta[k] = v
	}
	return formatSSE("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	})
}

func deltaIf(cond bool, index int, deltaType string, content map[string]interface{}) []byte {
	if !cond {
		return nil
	}
	return deltaEvent(index, deltaType, content)
}

// OpenAIResponseToSSE synthesizes a chunked stream from a complete chat
// completion.
func OpenAIResponseToSSE(resp *converter.OpenAIResponse) []byte {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	chunk := func(delta *converter.OpenAIMessage, finishReason string, usage *converter.OpenAIUsage) []byte {
		out := converter.OpenAIStreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   resp.Model,
			Choices: []converter.OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
			Usage:   usage,
		}
		data, err := sonic.Marshal(out)
		if err != nil {
			return nil
		}
		return []byte("data: " + string(data) + "\n\n")
	}

	var out []byte
	out = append(out, chunk(&converter.OpenAIMessage{Role: "assistant", Content: ""}, "", nil)...)

	finish := "stop"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Message != nil {
			if choice.Message.ReasoningContent != "" {
				out = append(out, chunk(&converter.OpenAIMessage{
					Content: "\n<think>\n" + choice.Message.ReasoningContent + "\n</think>\n",
				}, "", nil)...)
			}
			if text, ok := choice.Message.Content.(string); ok && text != "" {
				out = append(out, chunk(&converter.OpenAIMessage{Content: text}, "", nil)...)
			}
			for i := range choice.Message.ToolCalls {
				tc := choice.Message.ToolCalls[i]
				idx := i
				tc.Index = &idx
				if tc.Type == "" {
					tc.Type = "function"
				}
				out = append(out, chunk(&converter.OpenAIMessage{
					ToolCalls: []converter.OpenAIToolCall{tc},
				}, "", nil)...)
			}
		}
	}

	usage := resp.Usage
	out = append(out, chunk(&converter.OpenAIMessage{}, finish, &usage)...)
	out = append(out, converter.FormatDone()...)
	return out
}
