// Package provider implements upstream endpoint descriptors and the HTTP
// client used to call provider APIs. Request/response body translation lives
// in the adapter package; this package only knows how to reach an upstream.
package provider

import (
	"fmt"
	"slices"
	"sync"
)

// Endpoint describes how to reach one upstream provider API: base URL, chat
// path, and credential injection. Paths may contain a {model} placeholder.
type Endpoint struct {
	Name        string
	DefaultBase string
	ChatPath    string
	StreamPath  string // empty = ChatPath
	AuthHeader  string // empty = no header auth
	AuthFormat  string // e.g. "Bearer %s"; empty = raw key value
	KeyInQuery  bool   // credential goes in the ?key= query parameter
	Headers     map[string]string
}

// Defaults returns the built-in endpoint descriptors.
func Defaults() []*Endpoint {
	return []*Endpoint{
		{
			Name:        "openai",
			DefaultBase: "https://api.openai.com",
			ChatPath:    "/v1/chat/completions",
			AuthHeader:  "Authorization",
			AuthFormat:  "Bearer %s",
		},
		{
			Name:        "anthropic",
			DefaultBase: "https://api.anthropic.com",
			ChatPath:    "/v1/messages",
			AuthHeader:  "x-api-key",
			Headers:     map[string]string{"anthropic-version": "2023-06-01"},
		},
		{
			Name:        "gemini",
			DefaultBase: "https://generativelanguage.googleapis.com",
			ChatPath:    "/v1beta/models/{model}:generateContent",
			StreamPath:  "/v1beta/models/{model}:streamGenerateContent?alt=sse",
			KeyInQuery:  true,
		},
		{
			Name:        "deepseek",
			DefaultBase: "https://api.deepseek.com",
			ChatPath:    "/chat/completions",
			AuthHeader:  "Authorization",
			AuthFormat:  "Bearer %s",
		},
	}
}

// Registry maps provider names to endpoint descriptors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Register adds an endpoint under its name.
// It overwrites any previously registered endpoint with the same name.
func (r *Registry) Register(ep *Endpoint) {
	r.mu.Lock()
	r.endpoints[ep.Name] = ep
	r.mu.Unlock()
}

// Get returns the endpoint registered under name, or an error if not found.
func (r *Registry) Get(name string) (*Endpoint, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return ep, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.endpoints {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
