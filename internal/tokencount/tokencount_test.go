package tokencount

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/istari-ai/istari/internal"
)

func TestEstimateText(t *testing.T) {
	t.Parallel()

	if got := EstimateText(""); got != 1 {
		t.Fatalf("empty = %d, want floor of 1", got)
	}
	if got := EstimateText("abcd"); got != 1 {
		t.Fatalf("4 chars = %d, want 1", got)
	}
	if got := EstimateText("abcde"); got != 2 {
		t.Fatalf("5 chars = %d, want 2 (ceil)", got)
	}
	if got := EstimateText(strings.Repeat("x", 400)); got != 100 {
		t.Fatalf("400 chars = %d, want 100", got)
	}
}

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	content, _ := json.Marshal(strings.Repeat("a", 40))
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}
	got := EstimateRequest(req)
	// 4 overhead + 1 role + ~11 content + 3 priming
	if got < 15 || got > 25 {
		t.Fatalf("estimate = %d, want in [15, 25]", got)
	}
}

func TestEstimateRequest_IncludesMaxTokens(t *testing.T) {
	t.Parallel()

	content, _ := json.Marshal("hi")
	maxTok := 500
	req := &gateway.ChatRequest{
		Messages:  []gateway.Message{{Role: "user", Content: content}},
		MaxTokens: &maxTok,
	}
	without := EstimateRequest(&gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: content}},
	})
	if got := EstimateRequest(req); got != without+500 {
		t.Fatalf("estimate = %d, want %d", got, without+500)
	}
}

func TestEstimateRequest_Floor(t *testing.T) {
	t.Parallel()

	if got := EstimateRequest(&gateway.ChatRequest{}); got < 1 {
		t.Fatalf("estimate = %d, want at least 1", got)
	}
}
