package cohere

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider/sseutil"
)

// readStream reads Cohere V2 typed stream events and emits OpenAI-format
// StreamChunks. Cohere frames every event as a "data:" line whose payload
// carries a "type" discriminator; the stream ends with a message-end event,
// not a [DONE] sentinel.
func readStream(ctx context.Context, key string, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var id string
	var usage *gateway.Usage
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		var out []byte
		switch r.Get("type").String() {
		case "message-start":
			id = r.Get("id").String()
			out = sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, "")
		case "content-delta":
			text := r.Get("delta.message.content.text").String()
			if text == "" {
				continue
			}
			out = sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, "")
		case "tool-call-delta":
			args := r.Get("delta.message.tool_calls.function.arguments").String()
			idx := int(r.Get("index").Int())
			out = sseutil.BuildToolCallDeltaChunk(id, model, idx, args)
		case "message-end":
			finish := mapFinishReason(r.Get("delta.finish_reason").String())
			if u := r.Get("delta.usage.tokens"); u.Exists() {
				in := int(u.Get("input_tokens").Int())
				outTok := int(u.Get("output_tokens").Int())
				usage = &gateway.Usage{
					PromptTokens:     in,
					CompletionTokens: outTok,
					TotalTokens:      in + outTok,
				}
			}
			out = sseutil.BuildFinishChunk(id, model, finish)
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

	if usage != nil {
		ch <- gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage}
	}
	ch <- gateway.StreamChunk{Done: true}
}
