// Package gateway defines domain types and interfaces for the Istari
// inference gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider adapter contract ---

// Provider is the interface every upstream LLM adapter must implement.
// Adapters own request translation, auth header injection, response
// translation, SSE parsing, and error classification.
type Provider interface {
	// Key returns the provider identifier (the ProviderConfig key, e.g. "groq").
	Key() string
	// ChatCompletion sends a non-streaming chat completion request.
	// Non-2xx upstream responses are returned as *APIError values
	// (see internal/provider) carrying a category for fallback decisions.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request and
	// returns a channel of StreamChunk. The channel is closed after a Done
	// sentinel or an error chunk; chunk order matches upstream arrival order.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
// Data is the raw SSE payload in OpenAI chunk format, forwarded as-is
// when the upstream already speaks that format.
type StreamChunk struct {
	Data  []byte
	Usage *Usage // non-nil on the chunk that carries final usage
	Done  bool
	Err   error
}

// --- Model capabilities ---

// Capabilities describes what a canonical model supports.
type Capabilities struct {
	Streaming        bool `json:"streaming" yaml:"streaming"`
	Tools            bool `json:"tools" yaml:"tools"`
	Vision           bool `json:"vision" yaml:"vision"`
	StructuredOutput bool `json:"structured_output" yaml:"structured_output"`
	Logprobs         bool `json:"logprobs" yaml:"logprobs"`
}

// --- Identity (AuthContext) ---

// Identity is the authenticated caller context attached to request context.
// It is produced by the Authenticator; the gateway core only reads it.
type Identity struct {
	Subject    string // key prefix or "anonymous"
	KeyID      string // API key ID for per-key rate limit bucketing
	TenantID   string
	UserID     string
	AuthMethod string // "apikey" or "anonymous"
	RPMLimit   int64  // effective per-identity RPM limit (0 = unlimited)
	TPMLimit   int64  // effective per-identity TPM limit (0 = unlimited)
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// --- Usage ---

// UsageRecord is a single completed (or failed) upstream attempt, emitted by
// the pipeline. The core does not persist these; a UsageSink does.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CanonicalID  string    `json:"canonical_id"`
	ProviderKey  string    `json:"provider_key"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	OK           bool      `json:"ok"`
	ErrorCode    string    `json:"error_code,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// UsageSink receives usage records asynchronously. Implementations must not
// block the caller.
type UsageSink interface {
	Record(UsageRecord)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Istari API keys.
const APIKeyPrefix = "ist_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
