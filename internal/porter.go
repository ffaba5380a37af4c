// Package porter defines domain types and interfaces for the Porter LLM relay.
// This package has no project imports -- it is the dependency root.
package porter

import (
	"context"
	"encoding/json"
	"time"
)

// --- Canonical wire types (OpenAI chat shape) ---

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

// Message represents a chat message. Content is raw JSON because it may be a
// plain string or an array of multimodal content parts.
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

// StreamChunk represents a single chunk in a streaming response. Data holds a
// canonical chat.completion.chunk JSON object ready for an SSE data line.
type StreamChunk struct {
	Data  []byte
	Usage *Usage // non-nil on final chunk when the provider reported usage
	Done  bool
	Err   error
}

// --- Model configuration (stored in DB) ---

// ModelConfig maps an inbound route key to a provider and target model.
type ModelConfig struct {
	ID             int64    `json:"id"`
	RouteKey       string   `json:"route_key"`
	TargetModel    string   `json:"target_model"`
	Provider       string   `json:"provider"`
	APIBase        string   `json:"api_base,omitempty"`    // empty = provider default endpoint
	AuthHeader     string   `json:"auth_header,omitempty"` // empty = provider default header
	AuthFormat     string   `json:"auth_format,omitempty"` // empty = provider default format
	Enabled        bool     `json:"enabled"`
	Priority       int      `json:"priority"`
	PromptKeywords []string `json:"prompt_keywords,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// RequestContext carries per-request hints into key selection: where the
// request resolved, how it arrived, and how urgent it is. Strategies are pure
// functions over the candidate list plus this context.
type RequestContext struct {
	Provider    string
	TargetModel string
	RequestType string // "chat" or "stream"
	Priority    int    // resolved route priority, 0 default
	UserID      string
	RequestSize int // total message content bytes
}

// TransformRule maps a substring of a requested model name to a fallback
// provider. Rules are data, not code, so deployments can retarget them.
type TransformRule struct {
	Contains string `json:"contains"`
	Provider string `json:"provider"`
}

// --- Provider credentials ---

// ProviderKey is a pooled upstream API key with its runtime statistics.
// Secret holds the encrypted key material and must never be serialized or
// logged; Masked is the only displayable form.
type ProviderKey struct {
	ID                     int64      `json:"id"`
	Provider               string     `json:"provider"`
	Secret                 string     `json:"-"`
	Masked                 string     `json:"masked_key"`
	AuthHeader             string     `json:"auth_header,omitempty"` // empty = provider default header
	AuthFormat             string     `json:"auth_format,omitempty"` // empty = provider default format
	Enabled                bool       `json:"enabled"`
	Priority               int        `json:"priority"`
	RequestsCount          int64      `json:"requests_count"`
	SuccessCount           int64      `json:"success_count"`
	TotalTokens            int64      `json:"total_tokens"`
	InputTokens            int64      `json:"input_tokens"`
	OutputTokens           int64      `json:"output_tokens"`
	TotalCost              float64    `json:"total_cost"`
	AvgLatency             float64    `json:"avg_latency"` // seconds, EMA
	ConsecutiveErrors      int        `json:"consecutive_errors"`
	RateLimitedUntil       *time.Time `json:"rate_limited_until,omitempty"`
	LastError              string     `json:"last_error,omitempty"`
	LastUsedAt             *time.Time `json:"last_used_at,omitempty"`
	LastRotation           *time.Time `json:"last_rotation,omitempty"`
	RequestsAtLastRotation int64      `json:"requests_at_last_rotation"`
	FlaggedForRotation     bool       `json:"flagged_for_rotation"`
	CreatedAt              time.Time  `json:"created_at"`
}

// SuccessRate returns the fraction of successful requests. Keys with no
// traffic report 1.0 so fresh keys are not starved by ranking strategies.
func (k *ProviderKey) SuccessRate() float64 {
	if k.RequestsCount == 0 {
		return 1.0
	}
	return float64(k.SuccessCount) / float64(k.RequestsCount)
}

// Available reports whether the key may serve a request at the given time.
func (k *ProviderKey) Available(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	if k.RateLimitedUntil != nil && now.Before(*k.RateLimitedUntil) {
		return false
	}
	return true
}

// --- Request log ---

// RequestLog is one relayed request, recorded asynchronously after completion.
// ResponseBody is the upstream response JSON, {"stream":true} for streams, or
// null when the request failed before a response existed.
type RequestLog struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"timestamp"`
	SourceAPI      string          `json:"source_api"`
	TargetAPI      string          `json:"target_api"`
	SourceModel    string          `json:"source_model"`
	TargetModel    string          `json:"target_model"`
	Provider       string          `json:"provider"`
	RequestBody    json.RawMessage `json:"request_body,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	StatusCode     int             `json:"status_code"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ProcessingTime float64         `json:"processing_time"` // seconds
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
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
