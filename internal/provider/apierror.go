package provider

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
)

// APIError represents a client-class error response from an upstream provider
// whose status code is passed through to the caller unchanged.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Body       string
}

// Error returns a formatted error string including provider, status, and message.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Is makes errors.Is(err, porter.ErrProviderError) hold for APIError values.
func (e *APIError) Is(target error) bool { return target == porter.ErrProviderError }

// MapStatusError reads up to 4KB of the response body and converts a non-2xx
// upstream response into a domain error: 401/403 map to ErrUnauthorized,
// 429 to a RetryAfterError, >=500 to ErrUnavailable, and anything else to an
// APIError carrying the upstream status for passthrough.
func MapStatusError(providerName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := ExtractMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", providerName, msg, porter.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %s: %w", providerName, msg,
			&porter.RetryAfterError{Seconds: parseRetryAfter(resp.Header.Get("Retry-After"))})
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: HTTP %d: %s: %w", providerName, resp.StatusCode, msg, porter.ErrUnavailable)
	default:
		return &APIError{Provider: providerName, StatusCode: resp.StatusCode, Message: msg, Body: string(body)}
	}
}

// ExtractMessage pulls a human-readable message out of the known upstream
// error body shapes: {"error":{"message":...}}, {"error":{"error":...}},
// {"error":"..."} and {"message":"..."}.
func ExtractMessage(body []byte) string {
	for _, path := range []string{"error.message", "error.error", "error", "message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter parses a Retry-After header value in seconds.
// HTTP-date values and garbage fall back to a 60s hint.
func parseRetryAfter(v string) int {
	if v == "" {
		return 60
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return 60
}
