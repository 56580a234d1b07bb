package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// ConfirmationRequest asks the caller to approve a gated tool invocation.
// The ID is deterministic for a (tool, arguments) pair, so clients can
// compute it independently and decisions survive process restarts.
type ConfirmationRequest struct {
	ID              string         `json:"confirmation_id"`
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description,omitempty"`
	Arguments       map[string]any `json:"arguments,omitempty"`
}

// ConfirmationID derives the id for a tool invocation: the first 16 hex
// characters of sha256(name + ":" + canonical JSON arguments). Canonical
// form sorts keys lexicographically with no extra whitespace.
func ConfirmationID(toolName string, args map[string]any) string {
	sum := sha256.Sum256([]byte(toolName + ":" + canonicalJSON(args)))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON relies on encoding/json writing map keys in sorted order.
// HTML escaping is disabled so the digest matches what other languages
// produce for the same document.
func canonicalJSON(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
