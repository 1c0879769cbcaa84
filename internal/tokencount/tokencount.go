// Package tokencount provides token estimation for TPM rate limiting and
// usage recording. Uses a character-based heuristic (~4 chars per token for
// English) which is sufficient for rate limiting; exact counts come from the
// upstream usage block after the response.
package tokencount

import (
	gateway "github.com/istari-ai/istari/internal"
)

// EstimateRequest estimates the total token count for a chat completion
// request, accounting for per-message formatting overhead.
func EstimateRequest(req *gateway.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += 4 // per-message role/formatting overhead
		total += estimate(m.Role)
		total += estimate(string(m.Content))
		if m.Name != "" {
			total += estimate(m.Name) + 1
		}
		if len(m.ToolCalls) > 0 {
			total += estimate(string(m.ToolCalls))
		}
	}
	total += 3 // assistant reply priming
	if req.MaxTokens != nil {
		total += *req.MaxTokens
	}
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string.
func EstimateText(text string) int {
	return max(estimate(text), 1)
}

// estimate uses the ~4 bytes per token heuristic with ceil division.
func estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
