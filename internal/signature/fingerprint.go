package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/awsl-project/agw/internal/converter"
)

// Fingerprints are three digests of a conversation at decreasing
// specificity, used to re-associate a session with its last known
// signature when the client carries no other marker.
type Fingerprints struct {
	// FirstUser digests the first user message: stable for the whole
	// conversation lifetime.
	FirstUser string

	// LastN digests the last few messages: survives history truncation
	// at the front.
	LastN string

	// Full digests the entire history: the most specific match.
	Full string
}

// fingerprintLastN is how many trailing messages feed the LastN digest.
const fingerprintLastN = 3

// All returns the fingerprints in lookup order, most specific first.
func (f Fingerprints) All() []string {
	return []string{f.Full, f.LastN, f.FirstUser}
}

// ComputeFingerprints digests a canonical message history.
func ComputeFingerprints(messages []converter.ClaudeMessage) Fingerprints {
	var fp Fingerprints
	if len(messages) == 0 {
		return fp
	}

	for _, msg := range messages {
		if msg.Role == "user" {
			if text := messageDigestText(msg); text != "" {
				fp.FirstUser = digest(text)
				break
			}
		}
	}

	start := len(messages) - fingerprintLastN
	if start < 0 {
		start = 0
	}
	var lastN, full strings.Builder
	for i, msg := range messages {
		text := msg.Role + "\x00" + messageDigestText(msg) + "\x00"
		full.WriteString(text)
		if i >= start {
			lastN.WriteString(text)
		}
	}
	fp.LastN = digest(lastN.String())
	fp.Full = digest(full.String())
	return fp
}

// messageDigestText flattens a message to the text that identifies it.
// Thinking text is normalized so stripped and pristine histories
// fingerprint the same; signatures and tool ids are excluded because
// they differ between replays.
func messageDigestText(msg converter.ClaudeMessage) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "thinking":
			sb.WriteString(NormalizeThinkingText(block.Thinking))
		case "tool_use":
			sb.WriteString(block.Name)
		case "tool_result":
			sb.WriteString(converter.TextContent(block.Content))
		}
		sb.WriteString("\x1f")
	}
	return sb.String()
}

func digest(text string) string {
	if text == "" {
		return ""
	}
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])[:TextHashLen]
}
