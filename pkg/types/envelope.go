package types

import (
	"encoding/json"
	"strings"
)

// Envelope is the structured container some corpus chunks store in
// their content column: a context label plus the inner text. Chunks
// sharing a context label always share the same source URL.
type Envelope struct {
	Context string `json:"context"`
	Content string `json:"content"`
}

// ParseEnvelope splits a chunk body into its context label and inner
// text. Plain-text bodies yield an empty context and the body as-is.
func ParseEnvelope(raw string) (context, content string) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return "", raw
	}

	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return "", raw
	}
	if env.Content == "" {
		// A JSON body that is not our envelope shape stays untouched.
		return "", raw
	}
	return env.Context, env.Content
}
