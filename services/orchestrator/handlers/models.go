// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KodiakAI/KodiakChat/services/llm"
)

// ListModels handles GET /v1/models.
//
// Returns the deployment's model allow-list grouped by provider, with
// capability flags so clients can gate attachment UI on vision support.
// Providers without a configured client are still listed but marked
// unavailable.
func ListModels(registry *llm.Registry) gin.HandlerFunc {
	type providerModels struct {
		Provider  string           `json:"provider"`
		Available bool             `json:"available"`
		Models    []llm.ModelEntry `json:"models"`
	}
	return func(c *gin.Context) {
		grouped := registry.List()
		out := make([]providerModels, 0, len(grouped))
		for _, g := range grouped {
			out = append(out, providerModels{
				Provider:  g.Provider,
				Available: registry.HasClient(g.Provider),
				Models:    g.Models,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"default":   registry.Default().Key(),
			"providers": out,
		})
	}
}
