// Package openaiwire implements the gateway.Provider adapter for upstreams
// that speak the OpenAI chat completions wire format: OpenAI itself, Groq,
// Together, DeepInfra, and Antigravity. The kind only selects the default
// base URL; request and response bodies pass through untranslated.
package openaiwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
	"github.com/istari-ai/istari/internal/provider/sseutil"
)

// defaultBaseURLs maps wire kinds to their public API endpoints.
var defaultBaseURLs = map[string]string{
	"openai":      "https://api.openai.com/v1",
	"groq":        "https://api.groq.com/openai/v1",
	"together":    "https://api.together.xyz/v1",
	"deepinfra":   "https://api.deepinfra.com/v1/openai",
	"antigravity": "https://api.antigravity.dev/v1",
}

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI-wire provider adapter.
type Client struct {
	key     string
	baseURL string
	http    *http.Client
}

// New creates a Client for the given provider key and kind. baseURL overrides
// the kind's default endpoint when non-empty. The provided http.Client should
// have auth configured via its transport chain.
func New(key, kind, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURLs[kind]
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Key returns the provider identifier.
func (c *Client) Key() string { return c.key }

// post sends body to path, retrying transient failures. The response body is
// open on success; non-2xx responses come back as classified *APIError.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := provider.DoWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", c.key, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: do request: %w", c.key, err)
		}
		if r.StatusCode != http.StatusOK {
			apiErr := provider.ParseAPIError(c.key, r)
			r.Body.Close()
			return apiErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.key, err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. The raw SSE
// data payloads are forwarded as-is in StreamChunk.Data (no JSON parsing on
// the hot path). The channel is closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.key, resp, ch)
	return ch, nil
}
