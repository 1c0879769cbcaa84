package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider/sseutil"
)

// readStream reads Gemini SSE events and emits OpenAI-format StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel; it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk.
// Usage is cumulative, so the last seen values are emitted at the end.
func readStream(ctx context.Context, key string, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	id := "gen-" + model

	var lastUsage *gateway.Usage
	sentRole := false
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		var out []byte
		switch {
		case text != "":
			delta := map[string]any{"content": text}
			if !sentRole {
				// Strict clients need the assistant role on the opening delta.
				delta["role"] = "assistant"
				sentRole = true
			}
			out = sseutil.BuildDeltaChunk(id, model, delta, finishReason)
		case finishReason != "":
			out = sseutil.BuildFinishChunk(id, model, finishReason)
		default:
			continue
		}

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

	if lastUsage != nil {
		ch <- gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}
	}
	ch <- gateway.StreamChunk{Done: true}
}
