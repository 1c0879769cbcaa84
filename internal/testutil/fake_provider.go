// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	gateway "github.com/istari-ai/istari/internal"
)

// FakeProvider is a configurable gateway.Provider for testing.
type FakeProvider struct {
	ProviderKey string
	ChatFn      func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	StreamFn    func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
}

// Key returns the configured provider key.
func (f *FakeProvider) Key() string { return f.ProviderKey }

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns a default two-chunk
// stream ending in the Done sentinel.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	ch := make(chan gateway.StreamChunk, 3)
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"hello"}}]}`)}
	ch <- gateway.StreamChunk{Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// ChunkStream returns a StreamFn that replays the given chunks.
func ChunkStream(chunks ...gateway.StreamChunk) func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}
