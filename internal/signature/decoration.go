package signature

import "strings"

// ToolIDSeparator joins a tool_use id and its thought signature when the
// signature is smuggled through the id for clients that echo ids back
// verbatim.
const ToolIDSeparator = "__thought__"

// DecorateToolID appends a signature to a tool_use id. Invalid signatures
// leave the id untouched.
func DecorateToolID(base, sig string) string {
	if !HasValidSignature(sig) || base == "" {
		return base
	}
	if strings.Contains(base, ToolIDSeparator) {
		return base
	}
	return base + ToolIDSeparator + sig
}

// SplitDecoratedToolID recovers the base id and signature from a
// decorated id. ok is false when the id carries no decoration.
func SplitDecoratedToolID(id string) (base, sig string, ok bool) {
	idx := strings.Index(id, ToolIDSeparator)
	if idx <= 0 {
		return id, "", false
	}
	base = id[:idx]
	sig = id[idx+len(ToolIDSeparator):]
	if !HasValidSignature(sig) {
		return id, "", false
	}
	return base, sig, true
}
