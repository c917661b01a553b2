// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Errors
// =============================================================================

// ErrModelNotFound is returned by Resolve for identifiers absent from the
// allow-list registry.
var ErrModelNotFound = errors.New("model not found")

// ErrProviderUnavailable is returned when a registry entry's provider has
// no configured client (e.g. missing API key at startup).
var ErrProviderUnavailable = errors.New("provider not configured")

// =============================================================================
// Model Entry
// =============================================================================

// ModelEntry is one static registry row: a provider+model pair with its
// capability flags. Entries are immutable after process start.
type ModelEntry struct {
	Provider    string `yaml:"provider" json:"provider"`
	Model       string `yaml:"model" json:"model"`
	DisplayName string `yaml:"displayName" json:"displayName"`
	Vision      bool   `yaml:"vision" json:"vision"`
	MaxContext  int    `yaml:"maxContext" json:"maxContext,omitempty"`
	Default     bool   `yaml:"default" json:"-"`
}

// Key returns the stable composite registry key.
func (e ModelEntry) Key() string {
	return e.Provider + "/" + e.Model
}

// ProviderModels groups a provider's entries for capability discovery.
type ProviderModels struct {
	Provider string       `json:"provider"`
	Models   []ModelEntry `json:"models"`
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the allow-list of models this deployment will serve, plus
// the provider clients that back them.
//
// # Description
//
// Built once at startup and read-only afterwards, so it is shared across
// concurrent requests without locking. Resolution is an exact match on
// the composite "provider/model" key; a bare model id resolves only when
// exactly one entry carries it. An empty id resolves to the configured
// default entry.
//
// # Thread Safety
//
// Safe for concurrent reads after construction. RegisterClient must only
// be called during startup, before the registry is shared.
type Registry struct {
	entries    map[string]ModelEntry
	order      []string
	defaultKey string
	clients    map[string]LLMClient
}

// NewRegistry builds a registry from entries.
//
// The default entry is the first one flagged Default, or the first entry
// when none is flagged. Duplicate keys and empty entry lists are
// construction errors.
func NewRegistry(entries []ModelEntry) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("model registry must contain at least one entry")
	}
	r := &Registry{
		entries: make(map[string]ModelEntry, len(entries)),
		order:   make([]string, 0, len(entries)),
		clients: make(map[string]LLMClient),
	}
	for _, e := range entries {
		if e.Provider == "" || e.Model == "" {
			return nil, fmt.Errorf("model registry entry %q: provider and model are required", e.Key())
		}
		key := e.Key()
		if _, exists := r.entries[key]; exists {
			return nil, fmt.Errorf("duplicate model registry entry %q", key)
		}
		r.entries[key] = e
		r.order = append(r.order, key)
		if e.Default && r.defaultKey == "" {
			r.defaultKey = key
		}
	}
	if r.defaultKey == "" {
		r.defaultKey = r.order[0]
	}
	return r, nil
}

// RegisterClient attaches a provider client. Entries whose provider has
// no client resolve to ErrProviderUnavailable.
func (r *Registry) RegisterClient(client LLMClient) {
	r.clients[client.Provider()] = client
}

// HasClient reports whether a provider client is registered.
func (r *Registry) HasClient(provider string) bool {
	_, ok := r.clients[provider]
	return ok
}

// Providers returns the providers with registered clients, sorted.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Default returns the configured default entry.
func (r *Registry) Default() ModelEntry {
	return r.entries[r.defaultKey]
}

// SetDefault re-points the default entry. Startup-only, like
// RegisterClient.
func (r *Registry) SetDefault(key string) error {
	if _, ok := r.entries[key]; !ok {
		return fmt.Errorf("default %q: %w", key, ErrModelNotFound)
	}
	r.defaultKey = key
	return nil
}

// Resolve maps a client-supplied model identifier to its registry entry
// and backing client.
//
// # Description
//
// An empty id selects the default entry. An id containing "/" is matched
// exactly against composite keys. A bare id matches only if exactly one
// entry carries that model id; zero or several matches resolve to
// ErrModelNotFound so the allow-list stays unambiguous.
//
// Resolution failures short-circuit a chat request before any provider
// call or session mutation.
//
// # Outputs
//
//   - ModelEntry: the resolved registry row.
//   - LLMClient: the provider client backing it.
//   - error: ErrModelNotFound or ErrProviderUnavailable, wrapped with the
//     identifier for client display.
func (r *Registry) Resolve(modelID string) (ModelEntry, LLMClient, error) {
	key := r.defaultKey
	switch {
	case modelID == "":
	case strings.Contains(modelID, "/"):
		if _, ok := r.entries[modelID]; !ok {
			return ModelEntry{}, nil, fmt.Errorf("model %q: %w", modelID, ErrModelNotFound)
		}
		key = modelID
	default:
		var matches []string
		for _, k := range r.order {
			if r.entries[k].Model == modelID {
				matches = append(matches, k)
			}
		}
		if len(matches) != 1 {
			return ModelEntry{}, nil, fmt.Errorf("model %q: %w", modelID, ErrModelNotFound)
		}
		key = matches[0]
	}

	entry := r.entries[key]
	client, ok := r.clients[entry.Provider]
	if !ok {
		return ModelEntry{}, nil, fmt.Errorf("model %q (provider %q): %w",
			key, entry.Provider, ErrProviderUnavailable)
	}
	return entry, client, nil
}

// List returns the registry grouped by provider for capability discovery.
// Providers are sorted alphabetically; models keep registry order.
func (r *Registry) List() []ProviderModels {
	grouped := make(map[string][]ModelEntry)
	for _, key := range r.order {
		e := r.entries[key]
		grouped[e.Provider] = append(grouped[e.Provider], e)
	}
	providers := make([]string, 0, len(grouped))
	for p := range grouped {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	out := make([]ProviderModels, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderModels{Provider: p, Models: grouped[p]})
	}
	return out
}

// =============================================================================
// Registry Loading
// =============================================================================

// registryFile is the YAML shape of a models config file.
type registryFile struct {
	Models []ModelEntry `yaml:"models"`
}

// LoadEntriesFile reads registry entries from a YAML file.
//
// Expected shape:
//
//	models:
//	  - provider: ollama
//	    model: gpt-oss
//	    displayName: GPT-OSS (local)
//	    default: true
//	  - provider: anthropic
//	    model: claude-sonnet-4-5
//	    displayName: Claude Sonnet 4.5
//	    vision: true
func LoadEntriesFile(path string) ([]ModelEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model registry file %s: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse model registry file %s: %w", path, err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("model registry file %s contains no models", path)
	}
	return file.Models, nil
}

// DefaultEntries returns the built-in registry used when no config file
// is provided.
func DefaultEntries() []ModelEntry {
	return []ModelEntry{
		{Provider: "ollama", Model: "gpt-oss", DisplayName: "GPT-OSS (local)", MaxContext: 128_000, Default: true},
		{Provider: "ollama", Model: "llama3.1", DisplayName: "Llama 3.1 (local)", MaxContext: 128_000},
		{Provider: "ollama", Model: "llava", DisplayName: "LLaVA (local)", Vision: true, MaxContext: 32_000},
		{Provider: "openai", Model: "gpt-4o-mini", DisplayName: "GPT-4o mini", Vision: true, MaxContext: 128_000},
		{Provider: "openai", Model: "gpt-4o", DisplayName: "GPT-4o", Vision: true, MaxContext: 128_000},
		{Provider: "anthropic", Model: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Vision: true, MaxContext: 200_000},
		{Provider: "anthropic", Model: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Vision: true, MaxContext: 200_000},
	}
}
