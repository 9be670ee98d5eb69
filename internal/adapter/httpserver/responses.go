// Package httpserver contains the relay's HTTP transport: the /v1/messages
// proxy endpoint, API key authentication, and the admin control plane.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/dispatch"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Details      any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	codeStr := "INTERNAL"
	var retryAfterMs int64

	var denied *dispatch.QuotaDeniedError
	switch {
	case errors.As(err, &denied):
		status = http.StatusTooManyRequests
		codeStr = "QUOTA_EXCEEDED"
		if errors.Is(err, domain.ErrConcurrencyLimit) {
			codeStr = "CONCURRENCY_LIMIT"
		}
		retryAfterMs = denied.Decision.RetryAfter.Milliseconds()
		if details == nil {
			details = map[string]any{
				"period":  denied.Decision.Period,
				"current": denied.Decision.Current,
				"limit":   denied.Decision.Limit,
			}
		}
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		codeStr = "NO_AVAILABLE_PROVIDER"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrUpstreamRetryable):
		status = http.StatusBadGateway
		codeStr = "UPSTREAM_UNAVAILABLE"
	}

	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:         codeStr,
		Message:      err.Error(),
		RetryAfterMs: retryAfterMs,
		Details:      details,
	}})
}
