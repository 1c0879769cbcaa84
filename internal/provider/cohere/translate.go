package cohere

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
)

// cohereRequest is the Cohere V2 chat request body.
type cohereRequest struct {
	Model         string          `json:"model"`
	Messages      []cohereMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	P             *float64        `json:"p,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Seed          *int            `json:"seed,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
}

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest converts an OpenAI ChatRequest to a Cohere V2 chat request.
func translateRequest(req *gateway.ChatRequest, stream bool) *cohereRequest {
	out := &cohereRequest{
		Model:       req.Model,
		Stream:      stream,
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
		Seed:        req.Seed,
		Tools:       req.Tools,
	}

	// Stop may be a bare string or an array of strings.
	if len(req.Stop) > 0 {
		var one string
		if json.Unmarshal(req.Stop, &one) == nil {
			out.StopSequences = []string{one}
		} else {
			var many []string
			if json.Unmarshal(req.Stop, &many) == nil {
				out.StopSequences = many
			}
		}
	}

	for _, m := range req.Messages {
		// Cohere V2 uses the same role names as OpenAI.
		out.Messages = append(out.Messages, cohereMessage{
			Role:    m.Role,
			Content: extractText(m.Content),
		})
	}
	return out
}

// translateResponse converts a Cohere V2 chat JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte, requestModel string) *gateway.ChatResponse {
	r := gjson.ParseBytes(data)

	var contentText strings.Builder
	r.Get("message.content").ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			contentText.WriteString(part.Get("text").String())
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if tc := r.Get("message.tool_calls"); tc.Exists() && tc.IsArray() {
		msg.ToolCalls = json.RawMessage(tc.Raw)
	}

	var usage *gateway.Usage
	if u := r.Get("usage.tokens"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		outTok := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{
			PromptTokens:     in,
			CompletionTokens: outTok,
			TotalTokens:      in + outTok,
		}
	}

	return &gateway.ChatResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapFinishReason(r.Get("finish_reason").String()),
		}},
		Usage: usage,
	}
}

// mapFinishReason converts Cohere finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	case "ERROR_TOXIC":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// parseError classifies a non-2xx Cohere response, recognizing content
// filtering in otherwise generic error bodies.
func parseError(key string, resp *http.Response) error {
	err := provider.ParseAPIError(key, resp)
	apiErr, ok := err.(*provider.APIError)
	if !ok {
		return err
	}
	if apiErr.Category == provider.CategoryValidation &&
		strings.Contains(strings.ToLower(apiErr.Body), "blocked output") {
		apiErr.Category = provider.CategoryContent
	}
	return apiErr
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
