// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal LLMClient for registry wiring tests.
type fakeClient struct {
	provider string
}

func (f *fakeClient) Provider() string { return f.provider }

func (f *fakeClient) Chat(_ context.Context, _ []ChatMessage, _ GenerationParams) (string, error) {
	return "", nil
}

func (f *fakeClient) ChatStream(_ context.Context, _ []ChatMessage, _ GenerationParams,
	_ StreamCallback) error {
	return nil
}

func testEntries() []ModelEntry {
	return []ModelEntry{
		{Provider: "ollama", Model: "gpt-oss", DisplayName: "GPT-OSS", Default: true},
		{Provider: "ollama", Model: "llava", DisplayName: "LLaVA", Vision: true},
		{Provider: "openai", Model: "gpt-4o-mini", DisplayName: "GPT-4o mini", Vision: true},
		{Provider: "anthropic", Model: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Vision: true},
	}
}

func newTestRegistry(t *testing.T, providers ...string) *Registry {
	t.Helper()
	r, err := NewRegistry(testEntries())
	require.NoError(t, err)
	for _, p := range providers {
		r.RegisterClient(&fakeClient{provider: p})
	}
	return r
}

func TestNewRegistry_RejectsEmptyAndDuplicates(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.Error(t, err)

	_, err = NewRegistry([]ModelEntry{
		{Provider: "ollama", Model: "gpt-oss"},
		{Provider: "ollama", Model: "gpt-oss"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = NewRegistry([]ModelEntry{{Provider: "ollama"}})
	assert.Error(t, err)
}

func TestRegistry_DefaultSelection(t *testing.T) {
	r := newTestRegistry(t, "ollama")
	assert.Equal(t, "ollama/gpt-oss", r.Default().Key())

	// No Default flag: first entry wins.
	r2, err := NewRegistry([]ModelEntry{
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "ollama", Model: "llama3.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", r2.Default().Key())
}

func TestRegistry_ResolveEmptyUsesDefault(t *testing.T) {
	r := newTestRegistry(t, "ollama")
	entry, client, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "ollama/gpt-oss", entry.Key())
	assert.Equal(t, "ollama", client.Provider())
}

func TestRegistry_ResolveCompositeKey(t *testing.T) {
	r := newTestRegistry(t, "ollama", "openai")

	entry, client, err := r.Resolve("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", entry.Provider)
	assert.Equal(t, "gpt-4o-mini", entry.Model)
	assert.True(t, entry.Vision)
	assert.Equal(t, "openai", client.Provider())

	_, _, err = r.Resolve("openai/gpt-5-nano")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Contains(t, err.Error(), "gpt-5-nano")
}

func TestRegistry_ResolveBareModelID(t *testing.T) {
	r := newTestRegistry(t, "ollama", "anthropic")

	// Unique bare id resolves.
	entry, _, err := r.Resolve("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", entry.Key())

	// Unknown bare id does not.
	_, _, err = r.Resolve("mistral")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistry_ResolveAmbiguousBareModelID(t *testing.T) {
	r, err := NewRegistry([]ModelEntry{
		{Provider: "ollama", Model: "gpt-oss", Default: true},
		{Provider: "openai", Model: "gpt-oss"},
	})
	require.NoError(t, err)
	r.RegisterClient(&fakeClient{provider: "ollama"})

	_, _, err = r.Resolve("gpt-oss")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistry_ResolveProviderWithoutClient(t *testing.T) {
	r := newTestRegistry(t, "ollama")

	_, _, err := r.Resolve("anthropic/claude-sonnet-4-5")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "anthropic")
}

func TestRegistry_SetDefault(t *testing.T) {
	r := newTestRegistry(t, "openai")
	require.NoError(t, r.SetDefault("openai/gpt-4o-mini"))
	assert.Equal(t, "openai/gpt-4o-mini", r.Default().Key())

	assert.ErrorIs(t, r.SetDefault("openai/nope"), ErrModelNotFound)
}

func TestRegistry_ListGroupsByProvider(t *testing.T) {
	r := newTestRegistry(t)
	groups := r.List()
	require.Len(t, groups, 3)

	// Providers sorted alphabetically, models in registry order.
	assert.Equal(t, "anthropic", groups[0].Provider)
	assert.Equal(t, "ollama", groups[1].Provider)
	assert.Equal(t, "openai", groups[2].Provider)
	require.Len(t, groups[1].Models, 2)
	assert.Equal(t, "gpt-oss", groups[1].Models[0].Model)
	assert.Equal(t, "llava", groups[1].Models[1].Model)
}

func TestRegistry_Providers(t *testing.T) {
	r := newTestRegistry(t, "openai", "ollama")
	assert.Equal(t, []string{"ollama", "openai"}, r.Providers())
	assert.True(t, r.HasClient("ollama"))
	assert.False(t, r.HasClient("anthropic"))
}

func TestLoadEntriesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `models:
  - provider: ollama
    model: gpt-oss
    displayName: GPT-OSS (local)
    default: true
  - provider: anthropic
    model: claude-sonnet-4-5
    displayName: Claude Sonnet 4.5
    vision: true
    maxContext: 200000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := LoadEntriesFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Default)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", entries[1].Key())
	assert.True(t, entries[1].Vision)
	assert.Equal(t, 200_000, entries[1].MaxContext)
}

func TestLoadEntriesFile_Errors(t *testing.T) {
	_, err := LoadEntriesFile("/nonexistent/models.yaml")
	assert.Error(t, err)

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("models: []\n"), 0o600))
	_, err = LoadEntriesFile(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no models")
}

func TestDefaultEntries_BuildValidRegistry(t *testing.T) {
	r, err := NewRegistry(DefaultEntries())
	require.NoError(t, err)
	assert.Equal(t, "ollama/gpt-oss", r.Default().Key())
}
