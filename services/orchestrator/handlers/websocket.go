// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/middleware"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// wsStreamWriter implements StreamWriter over a WebSocket connection,
// carrying the same frame payloads as the SSE transport, one JSON
// message per frame. The [DONE] marker is sent as a text message.
type wsStreamWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsStreamWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// WriteSessionID implements the StreamWriter interface.
func (w *wsStreamWriter) WriteSessionID(sessionID string) error {
	return w.writeJSON(sessionFrame{SessionID: sessionID})
}

// WriteChunk implements the StreamWriter interface.
func (w *wsStreamWriter) WriteChunk(content string) error {
	return w.writeJSON(chunkFrame{Chunk: content})
}

// WriteError implements the StreamWriter interface.
func (w *wsStreamWriter) WriteError(errMsg string) error {
	return w.writeJSON(errorFrame{Error: errMsg})
}

// WriteDone implements the StreamWriter interface.
func (w *wsStreamWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, []byte(doneMarker)); err != nil {
		return fmt.Errorf("write done marker: %w", err)
	}
	return nil
}

// WriteKeepAlive implements the StreamWriter interface with a ping
// control frame.
func (w *wsStreamWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

var _ StreamWriter = (*wsStreamWriter)(nil)

// HandleChatWS processes streaming chat over a WebSocket connection.
//
// # Description
//
// Handles GET /v1/chat/ws. Each JSON message the client sends is one
// chat request with the same shape as the POST body; each request
// produces the standard frame sequence back over the socket. The
// connection stays open across turns so a client can hold one socket
// for a whole conversation.
//
// Pre-stream failures (validation, unknown model, missing session) come
// back as a single error frame followed by [DONE], since there is no
// HTTP status to vary after the upgrade.
func (h *streamingChatHandler) HandleChatWS(c *gin.Context) {
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	slog.Info("Websocket client connected", "user_id", authInfo.UserID)

	endpoint := observability.EndpointWSStream
	writer := &wsStreamWriter{conn: ws}

	for {
		var req datatypes.ChatStreamRequest
		if err := ws.ReadJSON(&req); err != nil {
			slog.Info("Websocket client disconnected", "user_id", authInfo.UserID, "error", err.Error())
			return
		}

		startTime := time.Now()
		ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatWS.turn")

		if m := observability.DefaultMetrics; m != nil {
			m.StreamStarted(endpoint)
		}

		success := false
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			if writeErr := h.writeTurnError(writer, err); writeErr != nil {
				span.End()
				return
			}
		} else if prep, prepErr := h.prepareTurn(ctx, authInfo, &req, endpoint); prepErr != nil {
			span.RecordError(prepErr)
			span.SetStatus(codes.Error, "turn preparation failed")
			if writeErr := h.writeTurnError(writer, prepErr); writeErr != nil {
				span.End()
				return
			}
		} else {
			span.SetAttributes(attribute.String("user.id", authInfo.UserID))
			success = h.streamTurn(ctx, span, writer, prep, endpoint, startTime)
		}

		if m := observability.DefaultMetrics; m != nil {
			m.StreamEnded(endpoint)
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
		span.End()
	}
}

// writeTurnError reports a pre-stream failure as an error frame plus the
// terminal marker. Returns an error only when the socket itself failed.
func (h *streamingChatHandler) writeTurnError(writer StreamWriter, err error) error {
	if writeErr := writer.WriteError(clientMessage(err)); writeErr != nil {
		return writeErr
	}
	return writer.WriteDone()
}
