package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/provider"
)

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response was written.
const statusClientClosedRequest = 499

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	return errorBody(msg, "invalid_request_error", "")
}

func errorBody(msg, typ, code string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	e.Error.Code = code
	return e
}

// writeError maps a pipeline or domain error to its HTTP shape and writes it.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		writeUpstreamError(w, apiErr)
		return
	}

	switch {
	case errors.Is(err, gateway.ErrModelNotFound):
		writeJSON(w, http.StatusNotFound,
			errorBody(err.Error(), "invalid_request_error", "model_not_found"))
	case errors.Is(err, gateway.ErrNoEnabledProvider), errors.Is(err, gateway.ErrNoHealthyProvider):
		writeJSON(w, http.StatusServiceUnavailable,
			errorBody(err.Error(), "service_unavailable", "no_available_provider"))
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyExpired):
		writeJSON(w, http.StatusUnauthorized,
			errorBody(err.Error(), "invalid_request_error", "invalid_api_key"))
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrKeyBlocked):
		writeJSON(w, http.StatusForbidden,
			errorBody(err.Error(), "invalid_request_error", "forbidden"))
	case errors.Is(err, gateway.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests,
			errorBody(err.Error(), "rate_limit_error", "rate_limit_exceeded"))
	case errors.Is(err, gateway.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, context.Canceled):
		// Nothing useful can reach a departed client; the status is for logs.
		w.WriteHeader(statusClientClosedRequest)
	default:
		writeJSON(w, http.StatusInternalServerError,
			errorBody("internal server error", "server_error", ""))
	}
}

// writeUpstreamError maps an upstream failure by category. Rate-limit and
// transient failures always fall back to the next candidate, so by the time
// one reaches here the whole chain is exhausted and the caller sees 503.
// Auth failures upstream are the gateway's credential problem, not the
// caller's, so they surface as 502 rather than leaking a misleading 401.
func writeUpstreamError(w http.ResponseWriter, apiErr *provider.APIError) {
	switch apiErr.Category {
	case provider.CategoryValidation:
		writeJSON(w, http.StatusBadRequest,
			errorBody(apiErr.Body, "invalid_request_error", "upstream_rejected"))
	case provider.CategoryContent:
		writeJSON(w, http.StatusBadRequest,
			errorBody(apiErr.Body, "invalid_request_error", "content_filter"))
	case provider.CategoryRateLimit:
		if apiErr.RetryAfter > 0 {
			w.Header()["Retry-After"] = []string{strconv.Itoa(int(apiErr.RetryAfter.Seconds() + 0.5))}
		}
		writeJSON(w, http.StatusServiceUnavailable,
			errorBody("all upstream providers rate limited", "service_unavailable", "rate_limit_exceeded"))
	case provider.CategoryAuth:
		writeJSON(w, http.StatusBadGateway,
			errorBody("upstream provider error", "upstream_error", string(apiErr.Category)))
	default: // CategoryProvider
		writeJSON(w, http.StatusServiceUnavailable,
			errorBody("all upstream providers failed", "service_unavailable", "upstream_error"))
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
