package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
)

// ReadSSEStream relays an OpenAI-format SSE body onto ch as StreamChunks:
// each data frame passes through untouched, "[DONE]" becomes the Done
// sentinel, and the chunk carrying usage is tagged with it. Closes ch when
// the body ends, the sentinel arrives, or ctx is cancelled.
func ReadSSEStream(ctx context.Context, providerKey string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		select {
		case ch <- gateway.StreamChunk{Data: []byte(data), Usage: extractUsage(data)}:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerKey, err)}
	}
}

// extractUsage pulls the usage object out of a chunk payload, if the
// upstream included one (most only do on the final content chunk).
func extractUsage(data string) *gateway.Usage {
	u := gjson.Get(data, "usage")
	if !u.Exists() || u.Type != gjson.JSON {
		return nil
	}
	var usage gateway.Usage
	if json.Unmarshal([]byte(u.Raw), &usage) != nil || usage.TotalTokens == 0 {
		return nil
	}
	return &usage
}
