// Package gemini implements the gateway.Provider adapter for the Google
// Gemini API, reachable either directly (generativelanguage, API key) or
// through Vertex AI (GCP OAuth). Auth is injected by the http.Client's
// transport chain in both cases.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var _ gateway.Provider = (*Client)(nil)

// Client is a Gemini provider adapter.
type Client struct {
	key     string
	baseURL string
	vertex  bool
	http    *http.Client
}

// New creates a Gemini Client for the direct API. baseURL defaults to the
// generativelanguage endpoint.
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

// NewVertex creates a Gemini Client that calls Vertex AI in the given project
// and region. The http.Client must carry a GCP OAuth transport.
func NewVertex(key, project, region string, client *http.Client) *Client {
	base := fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google",
		region, project, region)
	c := New(key, base, client)
	c.vertex = true
	return c
}

// Key returns the provider identifier.
func (c *Client) Key() string { return c.key }

func (c *Client) modelURL(model, verb string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, verb)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := provider.DoWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, c.modelURL(req.Model, "generateContent"), body)
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

// ChatCompletionStream sends a streamGenerateContent request and converts the
// EOF-terminated Gemini SSE stream to OpenAI-format chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.key, err)
	}

	resp, err := c.post(ctx, c.modelURL(req.Model, "streamGenerateContent")+"?alt=sse", body)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, c.key, resp.Body, ch, req.Model)
	return ch, nil
}
