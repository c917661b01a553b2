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
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/conversation"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/middleware"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

const (
	// defaultListLimit is the page size when the client does not ask for one.
	defaultListLimit = 50

	// maxListLimit caps the page size a client may request.
	maxListLimit = 200
)

// ListSessions handles GET /v1/sessions.
//
// Returns the caller's sessions as summaries, newest activity first.
// Supports ?limit= and ?offset= windowing.
func ListSessions(sessions store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
			return
		}

		limit := queryInt(c, "limit", defaultListLimit)
		if limit <= 0 || limit > maxListLimit {
			limit = defaultListLimit
		}
		offset := queryInt(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		summaries, err := sessions.List(c.Request.Context(), authInfo.UserID, limit, offset)
		if err != nil {
			slog.Error("Failed to list sessions", "user_id", authInfo.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to list sessions"))
			return
		}
		if summaries == nil {
			summaries = []datatypes.SessionSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": summaries, "limit": limit, "offset": offset})
	}
}

// createSessionRequest is the body of POST /v1/sessions. All fields are
// optional; an empty body creates an untitled session.
type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// CreateSession handles POST /v1/sessions.
//
// Creates an empty session up front so a client can show the thread in
// its sidebar before the first message is sent. The usual path creates
// sessions implicitly on the first chat turn instead.
func CreateSession(sessions store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
			return
		}

		var req createSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.BindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
				return
			}
		}
		if err := validateTitle(req.Title); err != nil {
			c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
			return
		}

		title := req.Title
		if title == "" {
			title = conversation.DefaultTitle
		}
		session := &datatypes.Session{
			ID:    store.NewSessionID(),
			Owner: authInfo.UserID,
			Title: title,
		}
		if err := sessions.Create(c.Request.Context(), session); err != nil {
			slog.Error("Failed to create session", "user_id", authInfo.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("failed to create session"))
			return
		}
		slog.Info("Created session", "session_id", session.ID, "user_id", authInfo.UserID)
		c.JSON(http.StatusCreated, session)
	}
}

// GetSession handles GET /v1/sessions/:sessionId.
//
// Returns the full session including its transcript. A session owned by
// another user is indistinguishable from a missing one.
func GetSession(sessions store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
			return
		}
		id := c.Param("sessionId")
		if !datatypes.ValidSessionID(id) {
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("session not found"))
			return
		}

		session, err := sessions.Get(c.Request.Context(), authInfo.UserID, id)
		if err != nil {
			c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// renameSessionRequest is the body of PATCH /v1/sessions/:sessionId.
type renameSessionRequest struct {
	Title string `json:"title"`
}

// RenameSession handles PATCH /v1/sessions/:sessionId.
func RenameSession(sessions store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
			return
		}
		id := c.Param("sessionId")
		if !datatypes.ValidSessionID(id) {
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("session not found"))
			return
		}

		var req renameSessionRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
			return
		}
		if req.Title == "" {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("title must not be empty"))
			return
		}
		if err := validateTitle(req.Title); err != nil {
			c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
			return
		}

		if err := sessions.Rename(c.Request.Context(), authInfo.UserID, id, req.Title); err != nil {
			c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "title": req.Title})
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId. Hard delete; the
// transcript is gone.
func DeleteSession(sessions store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
			return
		}
		id := c.Param("sessionId")
		if !datatypes.ValidSessionID(id) {
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("session not found"))
			return
		}

		if err := sessions.Delete(c.Request.Context(), authInfo.UserID, id); err != nil {
			c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
			return
		}
		slog.Info("Deleted session", "session_id", id, "user_id", authInfo.UserID)
		c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
	}
}

// validateTitle bounds a client-supplied title.
func validateTitle(title string) error {
	if utf8.RuneCountInString(title) > datatypes.MaxTitleLength {
		return datatypes.NewValidationError("title must be at most %d characters", datatypes.MaxTitleLength)
	}
	return nil
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
