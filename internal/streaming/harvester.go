package streaming

import (
	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// ClaudeHarvester watches an Anthropic SSE stream that is being passed
// through unmodified and records thought signatures as they appear.
type ClaudeHarvester struct {
	recorder *Recorder
	buffer   string

	thinking   map[int]string
	blockTypes map[int]string
	blockIDs   map[int]string
}

func NewClaudeHarvester(recorder *Recorder) *ClaudeHarvester {
	return &ClaudeHarvester{
		recorder:   recorder,
		thinking:   map[int]string{},
		blockTypes: map[int]string{},
		blockIDs:   map[int]string{},
	}
}

// Observe parses a raw chunk without altering it.
func (h *ClaudeHarvester) Observe(chunk []byte) {
	if h.recorder == nil {
		return
	}
	events, remaining := converter.ParseSSE(h.buffer + string(chunk))
	h.buffer = remaining
	for _, event := range events {
		var ev converter.ClaudeStreamEvent
		if err := sonic.Unmarshal(event.Data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil {
				h.blockTypes[ev.Index] = ev.ContentBlock.Type
				h.blockIDs[ev.Index] = ev.ContentBlock.ID
				if ev.ContentBlock.Type == "thinking" {
					h.thinking[ev.Index] = ev.ContentBlock.Thinking
				}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Thinking != "" {
				h.thinking[ev.Index] += ev.Delta.Thinking
			}
			if ev.Delta.Signature != "" {
				h.recorder.recordThinking(h.thinking[ev.Index], ev.Delta.Signature)
				h.recorder.recordSession(ev.Delta.Signature, h.thinking[ev.Index])
				if h.blockTypes[ev.Index] == "tool_use" && h.blockIDs[ev.Index] != "" {
					h.recorder.recordTool(h.blockIDs[ev.Index], ev.Delta.Signature)
				}
			}
		}
	}
}

// HarvestResponse records signatures found in a complete Anthropic
// response body.
func HarvestResponse(recorder *Recorder, resp *converter.ClaudeResponse) {
	if recorder == nil || resp == nil {
		return
	}
	var lastSig string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "thinking" && block.Signature != "" {
			recorder.recordThinking(block.Thinking, block.Signature)
			recorder.recordSession(block.Signature, block.Thinking)
			lastSig = block.Signature
		}
		if block.Type == "tool_use" && block.ID != "" && lastSig != "" {
			recorder.recordTool(block.ID, lastSig)
		}
	}
}
