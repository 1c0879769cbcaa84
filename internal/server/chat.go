package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/pipeline"
	"github.com/istari-ai/istari/internal/ratelimit"
	"github.com/istari-ai/istari/internal/tokencount"
)

// maxBodyBytes caps request bodies at 10 MB. Chat payloads beyond that are
// either abuse or a client bug.
const maxBodyBytes = 10 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorBody("request body exceeds 10MB", "invalid_request_error", "request_too_large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("messages must not be empty"))
		return
	}

	estimated := int64(tokencount.EstimateRequest(&req))
	limiter, ok := s.checkRateLimit(w, r, estimated)
	if !ok {
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, meta, err := s.deps.Engine.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	// The estimate included MaxTokens as the output ceiling; settle the TPM
	// bucket against what the upstream actually metered.
	if limiter != nil && resp.Usage != nil {
		limiter.AdjustTokens(estimated - int64(resp.Usage.TotalTokens))
	}

	setRoutingHeaders(w, meta)
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	ch, meta, err := s.deps.Engine.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	setRoutingHeaders(w, meta)
	stream, ok := newSSEStream(w)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				stream.done()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				stream.done()
				return
			}
			if chunk.Done {
				stream.done()
				return
			}
			if len(chunk.Data) > 0 {
				stream.data(chunk.Data)
			}

		case <-keepAlive.C:
			stream.ping()

		case <-r.Context().Done():
			return
		}
	}
}

// checkRateLimit enforces the caller's RPM/TPM budget. It returns the
// limiter (nil when the identity is unlimited) and whether to proceed.
func (s *server) checkRateLimit(w http.ResponseWriter, r *http.Request, estimatedTokens int64) (*ratelimit.Limiter, bool) {
	if s.deps.RateLimiter == nil {
		return nil, true
	}
	id := gateway.IdentityFromContext(r.Context())
	if id == nil || (id.RPMLimit <= 0 && id.TPMLimit <= 0) {
		return nil, true
	}

	key := id.KeyID
	if key == "" {
		key = id.Subject
	}
	limiter := s.deps.RateLimiter.GetOrCreate(key, ratelimit.Limits{RPM: id.RPMLimit, TPM: id.TPMLimit})
	res := limiter.Allow(estimatedTokens)

	h := w.Header()
	h["X-Ratelimit-Limit"] = []string{strconv.FormatInt(res.Limit, 10)}
	h["X-Ratelimit-Remaining"] = []string{strconv.FormatInt(res.Remaining, 10)}

	if !res.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("identity").Inc()
		}
		secs := int(res.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = []string{strconv.Itoa(secs)}
		h["X-Ratelimit-Reset"] = []string{strconv.Itoa(secs)}
		writeJSON(w, http.StatusTooManyRequests,
			errorBody("rate limit exceeded", "rate_limit_error", "rate_limit_exceeded"))
		return nil, false
	}
	return limiter, true
}

// setRoutingHeaders exposes the routing decision for debugging clients.
func setRoutingHeaders(w http.ResponseWriter, meta *pipeline.Meta) {
	if meta == nil {
		return
	}
	h := w.Header()
	h["X-Provider-Selected"] = []string{meta.ProviderKey}
	h["X-Model-Resolved"] = []string{meta.ModelPath}
	if meta.Degraded {
		h["X-Routing-Degraded"] = []string{"true"}
	}
}
