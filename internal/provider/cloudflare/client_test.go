package cloudflare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
)

func chatRequest(model string) *gateway.ChatRequest {
	content, _ := json.Marshal("hello")
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/accounts/acc-123/ai/run/@cf/meta/llama-3.1-8b-instruct"
		if r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{
			"result": {"response": "hi!", "usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}},
			"success": true,
			"errors": []
		}`))
	}))
	defer srv.Close()

	c := New("workers-ai", "acc-123", srv.URL, nil)
	resp, err := c.ChatCompletion(context.Background(), chatRequest("@cf/meta/llama-3.1-8b-instruct"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(resp.Choices[0].Message.Content); got != `"hi!"` {
		t.Fatalf("content = %s", got)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 6 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletion_EnvelopeFailure(t *testing.T) {
	t.Parallel()

	// Workers AI reports some failures inside a 200 envelope.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": null, "success": false, "errors": [{"code": 7009, "message": "model not found"}]}`))
	}))
	defer srv.Close()

	c := New("workers-ai", "acc-123", srv.URL, nil)
	_, err := c.ChatCompletion(context.Background(), chatRequest("@cf/bogus"))

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Category != provider.CategoryProvider {
		t.Fatalf("category = %s", apiErr.Category)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":"he"}` + "\n\n"))
		w.Write([]byte(`data: {"response":"y","usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New("workers-ai", "acc-123", srv.URL, nil)
	ch, err := c.ChatCompletionStream(context.Background(), chatRequest("@cf/meta/llama-3.1-8b-instruct"))
	if err != nil {
		t.Fatal(err)
	}

	var chunks []gateway.StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		chunks = append(chunks, chunk)
	}

	// 2 deltas, finish, usage, done
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	if got := gjson.GetBytes(chunks[0].Data, "choices.0.delta.content").String(); got != "he" {
		t.Fatalf("delta = %q", got)
	}
	if got := gjson.GetBytes(chunks[0].Data, "choices.0.delta.role").String(); got != "assistant" {
		t.Fatalf("first delta role = %q, want assistant", got)
	}
	if gjson.GetBytes(chunks[1].Data, "choices.0.delta.role").Exists() {
		t.Fatal("role repeated past the first delta")
	}
	if got := gjson.GetBytes(chunks[2].Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Fatalf("finish = %q", got)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 6 {
		t.Fatalf("usage chunk = %+v", chunks[3])
	}
	if !chunks[4].Done {
		t.Fatal("want Done sentinel last")
	}
}

func TestChatCompletion_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	c := New("workers-ai", "acc-123", srv.URL, nil)
	_, err := c.ChatCompletion(context.Background(), chatRequest("m"))

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Category != provider.CategoryRateLimit {
		t.Fatalf("err = %v, want rate_limit APIError", err)
	}
}
