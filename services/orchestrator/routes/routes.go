// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KodiakAI/KodiakChat/pkg/extensions"
	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/handlers"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/middleware"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/persist"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/storage"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// Deps carries everything the route tree needs. All fields are required
// except Opts, whose zero value selects the open source defaults.
type Deps struct {
	Registry  *llm.Registry
	Sessions  store.SessionStore
	Objects   storage.ObjectStore
	Persister persist.Persister
	Opts      extensions.ServiceOptions
}

// SetupRoutes attaches the orchestrator's endpoints to router.
//
// /health and /metrics are unauthenticated; everything under /v1 passes
// through the auth middleware.
func SetupRoutes(router *gin.Engine, deps Deps) {
	chat := handlers.NewStreamingChatHandler(
		deps.Registry, deps.Sessions, deps.Objects, deps.Persister, deps.Opts)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	provider := deps.Opts.AuthProvider
	if provider == nil {
		provider = &extensions.NopAuthProvider{}
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(provider))
	{
		v1.POST("/chat/stream", chat.HandleChatStream)
		v1.GET("/chat/ws", chat.HandleChatWS)
		v1.GET("/models", handlers.ListModels(deps.Registry))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Sessions))
			sessions.POST("", handlers.CreateSession(deps.Sessions))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Sessions))
			sessions.PATCH("/:sessionId", handlers.RenameSession(deps.Sessions))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Sessions))
		}
	}
}
