// Package cloudflare implements the gateway.Provider adapter for the
// Cloudflare Workers AI run endpoint. Requests are scoped to an account ID;
// auth is a Bearer token injected by the http.Client's transport chain.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

var _ gateway.Provider = (*Client)(nil)

// Client is a Workers AI provider adapter.
type Client struct {
	key       string
	baseURL   string
	accountID string
	http      *http.Client
}

// New creates a Workers AI Client for the given account.
func New(key, accountID, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		key:       key,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		http:      client,
	}
}

// Key returns the provider identifier.
func (c *Client) Key() string { return c.key }

func (c *Client) runURL(model string) string {
	return fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, model)
}

// runRequest is the Workers AI run body for text generation models.
type runRequest struct {
	Messages    []runMessage `json:"messages"`
	Stream      bool         `json:"stream,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Seed        *int         `json:"seed,omitempty"`
}

type runMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func translateRequest(req *gateway.ChatRequest, stream bool) *runRequest {
	out := &runRequest{
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Seed:        req.Seed,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, runMessage{
			Role:    m.Role,
			Content: extractText(m.Content),
		})
	}
	return out
}

func (c *Client) post(ctx context.Context, model string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := provider.DoWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runURL(model), bytes.NewReader(body))
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

// ChatCompletion sends a non-streaming run request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.key, err)
	}

	r := gjson.ParseBytes(respBody)
	if !r.Get("success").Bool() {
		return nil, &provider.APIError{
			Provider:   c.key,
			StatusCode: http.StatusBadGateway,
			Category:   provider.CategoryProvider,
			Body:       r.Get("errors").Raw,
		}
	}

	content, _ := json.Marshal(r.Get("result.response").String())
	out := &gateway.ChatResponse{
		ID:      "cf-" + c.accountID[:min(8, len(c.accountID))] + "-" + req.Model,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
	if u := r.Get("result.usage"); u.Exists() {
		out.Usage = &gateway.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return out, nil
}

// ChatCompletionStream sends a streaming run request. Workers AI streams
// "data:" lines of {"response":"..."} deltas terminated by a [DONE] sentinel.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, c.key, resp.Body, ch, req.Model)
	return ch, nil
}

// extractText extracts a text string from a JSON content field which may be
// a raw string or a structured content array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
