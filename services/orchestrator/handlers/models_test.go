// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakChat/services/llm"
)

func TestListModels(t *testing.T) {
	registry, err := llm.NewRegistry([]llm.ModelEntry{
		{Provider: "ollama", Model: "gpt-oss", DisplayName: "GPT-OSS", Default: true},
		{Provider: "anthropic", Model: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Vision: true},
	})
	require.NoError(t, err)
	registry.RegisterClient(&fakeLLM{provider: "ollama"})

	router := gin.New()
	router.GET("/v1/models", ListModels(registry))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Default   string `json:"default"`
		Providers []struct {
			Provider  string           `json:"provider"`
			Available bool             `json:"available"`
			Models    []llm.ModelEntry `json:"models"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "ollama/gpt-oss", resp.Default)
	require.Len(t, resp.Providers, 2)

	// Sorted by provider name; availability follows registered clients.
	assert.Equal(t, "anthropic", resp.Providers[0].Provider)
	assert.False(t, resp.Providers[0].Available)
	assert.True(t, resp.Providers[0].Models[0].Vision)

	assert.Equal(t, "ollama", resp.Providers[1].Provider)
	assert.True(t, resp.Providers[1].Available)
}
