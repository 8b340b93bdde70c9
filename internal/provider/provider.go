// Package provider holds the uniform adapter surface the executor dispatches
// through. Every provider exposes the same two entry points regardless of
// transport: single-shot Complete and multi-turn Chat.
package provider

import (
	"context"
	"fmt"
	"sync"
)

// Known provider ids.
const (
	IDOllama     = "ollama"
	IDOpenRouter = "openrouter"
	IDAnthropic  = "anthropic"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the normalized reply from any provider.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
}

// Adapter is the uniform provider contract.
type Adapter interface {
	// Complete runs a single-shot completion with an optional system prompt.
	Complete(ctx context.Context, model, prompt, systemPrompt string) (Response, error)
	// Chat runs a multi-turn exchange; the last message is the current user turn.
	Chat(ctx context.Context, model string, messages []Message) (Response, error)
}

// Factory builds an adapter pointed at a custom base URL.
type Factory func(baseURL string) Adapter

// Registry resolves provider ids to adapters, with optional per-call base URL
// overrides for self-hosted endpoints.
type Registry struct {
	mu        sync.Mutex
	defaults  map[string]Adapter
	factories map[string]Factory
	overrides map[string]Adapter // keyed by id + "\x00" + baseURL
}

func NewRegistry() *Registry {
	return &Registry{
		defaults:  make(map[string]Adapter),
		factories: make(map[string]Factory),
		overrides: make(map[string]Adapter),
	}
}

// Register installs the default adapter for a provider id, and optionally a
// factory used when a model config carries its own base URL.
func (r *Registry) Register(id string, adapter Adapter, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[id] = adapter
	if factory != nil {
		r.factories[id] = factory
	}
}

// Resolve returns the adapter for id, honoring a base URL override when the
// provider supports one. Override instances are cached.
func (r *Registry) Resolve(id, baseURL string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if baseURL != "" {
		if factory, ok := r.factories[id]; ok {
			key := id + "\x00" + baseURL
			if a, ok := r.overrides[key]; ok {
				return a, nil
			}
			a := factory(baseURL)
			r.overrides[key] = a
			return a, nil
		}
	}

	a, ok := r.defaults[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return a, nil
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.defaults))
	for id := range r.defaults {
		ids = append(ids, id)
	}
	return ids
}
