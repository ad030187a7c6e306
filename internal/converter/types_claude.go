package converter

import (
	"github.com/bytedance/sonic"
)

// Anthropic Messages API types. This is the gateway's canonical request
// shape: every ingress dialect is parsed into ClaudeRequest before
// sanitization, and adapters convert outward from it.

type ClaudeRequest struct {
	Model         string            `json:"model"`
	Messages      []ClaudeMessage   `json:"messages"`
	System        interface{}       `json:"system,omitempty"` // string or []SystemBlock
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tools         []ClaudeTool      `json:"tools,omitempty"`
	ToolChoice    interface{}       `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig   `json:"thinking,omitempty"`
}

// ThinkingConfig is the extended-thinking knob. Type is "enabled" or
// "disabled"; budget applies only when enabled.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (t *ThinkingConfig) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

type ClaudeMessage struct {
	Role    string        `json:"role"`
	Content ContentBlocks `json:"content"`
}

// ContentBlocks accepts both the string and the block-array encodings of
// message content; it always re-serializes as a block array.
type ContentBlocks []ContentBlock

func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := sonic.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ContentBlocks{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := sonic.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock is the tagged union over Anthropic content block types.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// tool_use
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"` // string or nested blocks
	IsError   bool        `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	CacheControl interface{} `json:"cache_control,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MarshalJSON emits exactly the field set the block type defines, so two
// equal inputs always serialize byte-identically.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case "text":
		return sonic.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case "thinking":
		return sonic.Marshal(struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature,omitempty"`
		}{b.Type, b.Thinking, b.Signature})
	case "redacted_thinking":
		return sonic.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{b.Type, b.Data})
	case "tool_use":
		input := b.Input
		if input == nil {
			input = map[string]interface{}{}
		}
		return sonic.Marshal(struct {
			Type  string      `json:"type"`
			ID    string      `json:"id"`
			Name  string      `json:"name"`
			Input interface{} `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case "tool_result":
		return sonic.Marshal(struct {
			Type      string      `json:"type"`
			ToolUseID string      `json:"tool_use_id"`
			Content   interface{} `json:"content,omitempty"`
			IsError   bool        `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	case "image":
		return sonic.Marshal(struct {
			Type   string       `json:"type"`
			Source *ImageSource `json:"source"`
		}{b.Type, b.Source})
	default:
		type alias ContentBlock
		return sonic.Marshal(alias(b))
	}
}

// TextContent flattens a tool_result content value to plain text.
func TextContent(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case []interface{}:
		var out string
		for _, item := range c {
			if m, ok := item.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	}
	return ""
}

// SystemText flattens the system field (string or block array) to text.
func SystemText(system interface{}) string {
	switch s := system.(type) {
	case string:
		return s
	case []interface{}:
		var out string
		for _, block := range s {
			if m, ok := block.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	}
	return ""
}

type ClaudeTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

type ClaudeResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        ClaudeUsage    `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Claude streaming events
type ClaudeStreamEvent struct {
	Type         string             `json:"type"`
	Message      *ClaudeResponse    `json:"message,omitempty"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *ContentBlock      `json:"content_block,omitempty"`
	Delta        *ClaudeStreamDelta `json:"delta,omitempty"`
	Usage        *ClaudeUsage       `json:"usage,omitempty"`
	Error        *ClaudeStreamError `json:"error,omitempty"`
}

type ClaudeStreamDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type ClaudeStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
