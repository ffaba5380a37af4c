// Package adapter translates between the canonical OpenAI chat shape and each
// provider's native wire format. Adapters are pure: they never touch the
// network, credentials, or routing.
package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	porter "github.com/akarpov/porter/internal"
)

// Adapter converts canonical requests and native responses for one provider.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// AdaptRequest converts a canonical request into the provider's native
	// request body. targetModel replaces the requested model name.
	AdaptRequest(req *porter.ChatRequest, targetModel string) ([]byte, error)
	// AdaptResponse converts a native response body into a canonical response.
	AdaptResponse(data []byte, targetModel string) (*porter.ChatResponse, error)
	// NewStreamTranslator returns a fresh per-stream translator. Translators
	// carry stream state and are not safe for concurrent use.
	NewStreamTranslator(targetModel string) StreamTranslator
	// SupportsMultimodal reports whether the provider accepts image content
	// parts. Text-only providers receive flattened text.
	SupportsMultimodal() bool
}

// StreamTranslator converts native SSE payloads into canonical
// chat.completion.chunk frames.
type StreamTranslator interface {
	// Next translates one native payload into zero or more canonical chunks.
	Next(data []byte) ([]porter.StreamChunk, error)
	// Flush returns any trailing chunks once the native stream has ended.
	Flush() []porter.StreamChunk
}

// Registry maps provider names to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a Registry pre-populated with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds an adapter, overwriting any existing one with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for the named provider.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q: %w", name, porter.ErrConfiguration)
	}
	return a, nil
}

// Defaults returns the built-in adapters.
func Defaults() []Adapter {
	return []Adapter{
		&OpenAI{},
		&Anthropic{},
		&Gemini{},
		&DeepSeek{},
	}
}

// --- shared content helpers ---

// extractText flattens a JSON content field, which may be a raw string or a
// structured content-part array, into plain text.
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

// contentPart is one element of an OpenAI multimodal content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// contentParts unmarshals a content field into multimodal parts.
// ok is false when the content is a plain string or malformed.
func contentParts(raw json.RawMessage) ([]contentPart, bool) {
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, false
	}
	return parts, true
}

// parseDataURL splits a base64 data URL into its media type and payload.
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	mediaType, data, found = strings.Cut(rest, ";base64,")
	if !found || mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}

// imagePlaceholder renders an unusable image reference as text so the
// conversation still carries a trace of it.
func imagePlaceholder(u string) string {
	if len(u) > 50 {
		u = u[:50]
	}
	return fmt.Sprintf("[Image: %s]", u)
}

// normalizeStop converts a canonical stop field (string or string array)
// into a string array.
func normalizeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []string{s}
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	return nil
}
