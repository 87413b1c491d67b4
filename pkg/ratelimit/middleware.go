package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HeaderAgentDID carries the caller's agent identifier. Requests without it
// share the anonymous bucket.
const (
	HeaderAgentDID     = "X-Agent-DID"
	HeaderRetryAfter   = "Retry-After"
	HeaderRemaining    = "X-RateLimit-Remaining"
	HeaderReset        = "X-RateLimit-Reset"
	HeaderBackpressure = "X-Backpressure"

	anonymousKey = "anonymous"
)

type denialBody struct {
	Error             string  `json:"error"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

// Middleware enforces the limiter on every request. Denials get a 429 with a
// retry directive; all responses carry remaining-token and reset headers.
func Middleware(checker Checker, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAgentDID)
		if key == "" {
			key = anonymousKey
		}

		res, err := checker.Check(r.Context(), key)
		if err != nil {
			// A broken limiter backend must not take the service
			// down with it; let the request through unlimited.
			logger.Error("rate limit check failed, allowing request", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		decorate(w.Header(), res)

		if !res.Allowed {
			retrySecs := res.RetryAfter.Seconds()
			w.Header().Set(HeaderRetryAfter, fmt.Sprintf("%.2f", retrySecs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(denialBody{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: retrySecs,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decorate writes the shared response headers for allowed and denied
// requests alike.
func decorate(h http.Header, res Result) {
	h.Set(HeaderRemaining, fmt.Sprintf("%d", FloorRemaining(res)))
	if res.ResetAfter > 0 {
		h.Set(HeaderReset, fmt.Sprintf("%.2f", res.ResetAfter.Seconds()))
	}
	if res.Backpressure {
		h.Set(HeaderBackpressure, "true")
	}
}
