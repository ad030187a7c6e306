package streaming

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// ClaudeCollector reassembles an Anthropic SSE stream into a single
// ClaudeResponse, for clients that asked for a non-streaming reply when
// the upstream only streams.
type ClaudeCollector struct {
	resp   converter.ClaudeResponse
	buffer string

	// per-index accumulation
	thinking map[int]*strings.Builder
	text     map[int]*strings.Builder
	toolJSON map[int]*strings.Builder
	blocks   map[int]*converter.ContentBlock
	order    []int
}

func NewClaudeCollector() *ClaudeCollector {
	return &ClaudeCollector{
		thinking: map[int]*strings.Builder{},
		text:     map[int]*strings.Builder{},
		toolJSON: map[int]*strings.Builder{},
		blocks:   map[int]*converter.ContentBlock{},
	}
}

// Write consumes raw SSE bytes.
func (c *ClaudeCollector) Write(chunk []byte) {
	events, remaining := converter.ParseSSE(c.buffer + string(chunk))
	c.buffer = remaining
	for _, event := range events {
		var ev converter.ClaudeStreamEvent
		if err := sonic.Unmarshal(event.Data, &ev); err != nil {
			continue
		}
		c.processEvent(&ev)
	}
}

func (c *ClaudeCollector) processEvent(ev *converter.ClaudeStreamEvent) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			c.resp = *ev.Message
			c.resp.Content = nil
		}

	case "content_block_start":
		if ev.ContentBlock == nil {
			return
		}
		block := *ev.ContentBlock
		c.blocks[ev.Index] = &block
		c.order = append(c.order, ev.Index)
		switch block.Type {
		case "thinking":
			b := &strings.Builder{}
			b.WriteString(block.Thinking)
			c.thinking[ev.Index] = b
		case "text":
			b := &strings.Builder{}
			b.WriteString(block.Text)
			c.text[ev.Index] = b
		case "tool_use":
			c.toolJSON[ev.Index] = &strings.Builder{}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		block := c.blocks[ev.Index]
		if block == nil {
			return
		}
		switch {
		case ev.Delta.Thinking != "":
			if b := c.thinking[ev.Index]; b != nil {
				b.WriteString(ev.Delta.Thinking)
			}
		case ev.Delta.Signature != "":
			block.Signature = ev.Delta.Signature
		case ev.Delta.Text != "":
			if b := c.text[ev.Index]; b != nil {
				b.WriteString(ev.Delta.Text)
			}
		case ev.Delta.PartialJSON != "":
			if b := c.toolJSON[ev.Index]; b != nil {
				b.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			c.resp.StopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				c.resp.Usage.InputTokens = ev.Usage.InputTokens
			}
			c.resp.Usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.CacheReadInputTokens > 0 {
				c.resp.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
			}
		}
	}
}

// Response finalizes and returns the assembled message.
func (c *ClaudeCollector) Response() *converter.ClaudeResponse {
	for _, idx := range c.order {
		block := c.blocks[idx]
		switch block.Type {
		case "thinking":
			block.Thinking = c.thinking[idx].String()
			// drop empty signature-carrier blocks that have neither
			if block.Thinking == "" && block.Signature == "" {
				continue
			}
		case "text":
			block.Text = c.text[idx].String()
		case "tool_use":
			raw := c.toolJSON[idx].String()
			var input interface{}
			if raw != "" && sonic.Unmarshal([]byte(raw), &input) == nil {
				block.Input = input
			} else {
				block.Input = map[string]interface{}{}
			}
		}
		c.resp.Content = append(c.resp.Content, *block)
	}
	c.order = nil
	if c.resp.Type == "" {
		c.resp.Type = "message"
	}
	if c.resp.Role == "" {
		c.resp.Role = "assistant"
	}
	if c.resp.StopReason == "" {
		c.resp.StopReason = "end_turn"
	}
	return &c.resp
}

// OpenAICollector reassembles OpenAI chat completion chunks into a
// single OpenAIResponse.
type OpenAICollector struct {
	resp    converter.OpenAIResponse
	buffer  string
	content strings.Builder

	toolCalls map[int]*converter.OpenAIToolCall
	toolOrder []int
	finish    string
}

func NewOpenAICollector() *OpenAICollector {
	return &OpenAICollector{toolCalls: map[int]*converter.OpenAIToolCall{}}
}

// Write consumes raw SSE bytes.
func (c *OpenAICollector) Write(chunk []byte) {
	events, remaining := converter.ParseSSE(c.buffer + string(chunk))
	c.buffer = remaining
	for _, event := range events {
		if event.Event == "done" {
			continue
		}
		var oc converter.OpenAIStreamChunk
		if err := sonic.Unmarshal(event.Data, &oc); err != nil {
			continue
		}
		c.processChunk(&oc)
	}
}

func (c *OpenAICollector) processChunk(chunk *converter.OpenAIStreamChunk) {
	if c.resp.ID == "" {
		c.resp.ID = chunk.ID
		c.resp.Model = chunk.Model
		c.resp.Created = chunk.Created
	}
	if chunk.Usage != nil {
		c.resp.Usage = *chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		c.finish = choice.FinishReason
	}
	if choice.Delta == nil {
		return
	}
	if text, ok := choice.Delta.Content.(string); ok {
		c.content.WriteString(text)
	}
	for i := range choice.Delta.ToolCalls {
		tc := choice.Delta.ToolCalls[i]
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		acc, ok := c.toolCalls[idx]
		if !ok {
			acc = &converter.OpenAIToolCall{Type: "function"}
			c.toolCalls[idx] = acc
			c.toolOrder = append(c.toolOrder, idx)
		}
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if tc.Function.Name != "" {
			acc.Function.Name = tc.Function.Name
		}
		acc.Function.Arguments += tc.Function.Arguments
	}
}

// Response finalizes and returns the assembled completion.
func (c *OpenAICollector) Response() *converter.OpenAIResponse {
	msg := &converter.OpenAIMessage{
		Role:    "assistant",
		Content: c.content.String(),
	}
	for _, idx := range c.toolOrder {
		msg.ToolCalls = append(msg.ToolCalls, *c.toolCalls[idx])
	}
	finish := c.finish
	if finish == "" {
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}
	c.resp.Object = "chat.completion"
	c.resp.Choices = []converter.OpenAIChoice{{
		Index:        0,
		Message:      msg,
		FinishReason: finish,
	}}
	return &c.resp
}
