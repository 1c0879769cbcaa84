package cloudflare

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider/sseutil"
)

// readStream reads Workers AI SSE lines and emits OpenAI-format StreamChunks.
// Each data line is {"response":"<delta>","usage":{...}?}; the stream ends
// with a [DONE] sentinel.
func readStream(ctx context.Context, key string, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	id := "cf-" + model

	var lastUsage *gateway.Usage
	sentRole := false
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		r := gjson.Parse(data)
		if u := r.Get("usage"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}

		text := r.Get("response").String()
		if text == "" {
			continue
		}

		delta := map[string]any{"content": text}
		if !sentRole {
			// Strict clients need the assistant role on the opening delta.
			delta["role"] = "assistant"
			sentRole = true
		}
		out := sseutil.BuildDeltaChunk(id, model, delta, "")
		select {
		case ch <- gateway.StreamChunk{Data: out}:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", key, err)}
		return
	}

	ch <- gateway.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, "stop")}
	if lastUsage != nil {
		ch <- gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}
	}
	ch <- gateway.StreamChunk{Done: true}
}
