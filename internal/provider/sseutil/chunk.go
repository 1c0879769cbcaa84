package sseutil

import (
	"encoding/json"

	gateway "github.com/istari-ai/istari/internal"
)

// chunkEnvelope is the OpenAI chat.completion.chunk wire shape. Adapters for
// upstreams that speak other formats re-emit their events through these
// builders so the client always sees one dialect.
type chunkEnvelope struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int `json:"index"`
	Delta        any `json:"delta"`
	FinishReason any `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func marshalChunk(id, model string, choices []chunkChoice, usage *chunkUsage) []byte {
	b, _ := json.Marshal(chunkEnvelope{
		ID:      id,
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: choices,
		Usage:   usage,
	})
	return b
}

// BuildDeltaChunk builds a content/role delta chunk. An empty finishReason
// marshals as null.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	var finish any
	if finishReason != "" {
		finish = finishReason
	}
	return marshalChunk(id, model, []chunkChoice{{Delta: delta, FinishReason: finish}}, nil)
}

// BuildToolCallDeltaChunk builds a tool-call arguments delta chunk.
func BuildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	delta := map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"function": map[string]any{
				"arguments": argumentsDelta,
			},
		}},
	}
	return marshalChunk(id, model, []chunkChoice{{Delta: delta, FinishReason: nil}}, nil)
}

// BuildFinishChunk builds the chunk that closes a choice with finish_reason.
func BuildFinishChunk(id, model, finishReason string) []byte {
	return marshalChunk(id, model, []chunkChoice{{Delta: struct{}{}, FinishReason: finishReason}}, nil)
}

// BuildUsageChunk builds the trailing usage chunk (empty choices array).
func BuildUsageChunk(id, model string, usage *gateway.Usage) []byte {
	return marshalChunk(id, model, []chunkChoice{}, &chunkUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	})
}
