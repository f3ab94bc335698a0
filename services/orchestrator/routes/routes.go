// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the relay's HTTP endpoints.
package routes

import (
	"net/http"

	"github.com/AleutianAI/chatrelay/pkg/extensions"
	"github.com/AleutianAI/chatrelay/services/orchestrator/handlers"
	"github.com/AleutianAI/chatrelay/services/orchestrator/middleware"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// Deps are the collaborators of the routes.
type Deps struct {
	Chat    *handlers.ChatHandler
	Options extensions.ServiceOptions
	Metrics *observability.RelayMetrics

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler
}

// SetupRoutes registers all routes on router.
//
//	GET  /health    liveness, no gate
//	GET  /metrics   prometheus exposition, no gate
//	POST /api/chat  chat relay, behind the access gate
//	POST /v1/chat   alias of /api/chat
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HandleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	authProvider := deps.Options.AuthProvider
	if authProvider == nil {
		authProvider = extensions.DefaultOptions().AuthProvider
	}
	gate := middleware.AccessGate(authProvider, deps.Metrics)

	api := router.Group("/api", gate)
	{
		api.POST("/chat", deps.Chat.HandleChat)
	}

	v1 := router.Group("/v1", gate)
	{
		v1.POST("/chat", deps.Chat.HandleChat)
	}
}
