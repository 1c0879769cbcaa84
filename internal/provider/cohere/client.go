// Package cohere implements the gateway.Provider adapter for the Cohere
// Chat V2 API.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
)

const defaultBaseURL = "https://api.cohere.com"

var _ gateway.Provider = (*Client)(nil)

// Client is a Cohere provider adapter.
type Client struct {
	key     string
	baseURL string
	http    *http.Client
}

// New creates a Cohere Client. baseURL defaults to the public API endpoint.
// The provided http.Client should have auth configured via its transport chain.
func New(key, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
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

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := provider.DoWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/chat", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", c.key, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: do request: %w", c.key, err)
		}
		if r.StatusCode != http.StatusOK {
			apiErr := parseError(c.key, r)
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

// ChatCompletion sends a non-streaming chat request to the Cohere V2 API.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.key, err)
	}
	return translateResponse(respBody, req.Model), nil
}

// ChatCompletionStream sends a streaming chat request to the Cohere V2 API
// and converts its typed stream events to OpenAI-format chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, c.key, resp.Body, ch, req.Model)
	return ch, nil
}
