// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakChat/pkg/extensions"
	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/persist"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/storage"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockLLMClient is a minimal LLMClient for wiring tests.
type mockLLMClient struct{}

func (m *mockLLMClient) Provider() string { return "ollama" }

func (m *mockLLMClient) Chat(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	return "mock response", nil
}

func (m *mockLLMClient) ChatStream(_ context.Context, _ []llm.ChatMessage,
	_ llm.GenerationParams, callback llm.StreamCallback) error {
	return callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: "mock response"})
}

func newTestRouter(t *testing.T, opts extensions.ServiceOptions) *gin.Engine {
	t.Helper()

	registry, err := llm.NewRegistry([]llm.ModelEntry{
		{Provider: "ollama", Model: "gpt-oss", Default: true},
	})
	require.NoError(t, err)
	registry.RegisterClient(&mockLLMClient{})

	sessions, err := store.NewSessionStore(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	persister := persist.NewAsyncPersister(sessions, nil, 1, 16, time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = persister.Shutdown(ctx)
	})

	router := gin.New()
	SetupRoutes(router, Deps{
		Registry:  registry,
		Sessions:  sessions,
		Objects:   storage.NewMemoryStore(),
		Persister: persister,
		Opts:      opts,
	})
	return router
}

func TestRoutes_Health(t *testing.T) {
	router := newTestRouter(t, extensions.ServiceOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRoutes_Metrics(t *testing.T) {
	router := newTestRouter(t, extensions.ServiceOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_V1DefaultsToNopAuth(t *testing.T) {
	router := newTestRouter(t, extensions.ServiceOptions{})

	// No Authorization header at all; NopAuthProvider lets it through.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_V1StaticTokenAuth(t *testing.T) {
	provider := extensions.NewStaticTokenAuthProvider(map[string]extensions.AuthInfo{
		"tok-1": {UserID: "alice"},
	})
	router := newTestRouter(t, extensions.ServiceOptions{AuthProvider: provider})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_EndpointsRegistered(t *testing.T) {
	router := newTestRouter(t, extensions.ServiceOptions{})

	expected := map[string]string{
		"POST /v1/chat/stream":           "",
		"GET /v1/chat/ws":                "",
		"GET /v1/models":                 "",
		"GET /v1/sessions":               "",
		"POST /v1/sessions":              "",
		"GET /v1/sessions/:sessionId":    "",
		"PATCH /v1/sessions/:sessionId":  "",
		"DELETE /v1/sessions/:sessionId": "",
	}
	for _, route := range router.Routes() {
		delete(expected, route.Method+" "+route.Path)
	}
	assert.Empty(t, expected, "unregistered routes remain")
}
