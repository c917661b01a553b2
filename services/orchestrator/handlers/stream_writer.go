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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing chat stream frames.
//
// # Description
//
// StreamWriter abstracts the wire framing so the chat core can serve
// both SSE and WebSocket transports. The frame sequence for a stream is
// fixed: one session frame, zero or more chunk frames, at most one error
// frame, then the terminal done marker. Keepalives may be interleaved
// anywhere before the done marker.
//
// On the SSE transport each frame is one event:
//
//	data: {"sessionId":"..."}
//	data: {"chunk":"..."}
//	data: {"error":"..."}
//	data: [DONE]
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive ticker
// writes from a different goroutine than the token relay.
type StreamWriter interface {
	// WriteSessionID writes the opening session frame.
	WriteSessionID(sessionID string) error

	// WriteChunk writes one response fragment frame.
	WriteChunk(content string) error

	// WriteError writes an error frame. The stream must still be
	// terminated with WriteDone afterwards.
	WriteError(errMsg string) error

	// WriteDone writes the terminal [DONE] marker.
	WriteDone() error

	// WriteKeepAlive writes a comment the client ignores, keeping
	// intermediaries from timing out an idle connection.
	WriteKeepAlive() error
}

// sessionFrame is the opening frame payload.
type sessionFrame struct {
	SessionID string `json:"sessionId"`
}

// chunkFrame carries one response fragment.
type chunkFrame struct {
	Chunk string `json:"chunk"`
}

// errorFrame carries a client-safe failure description.
type errorFrame struct {
	Error string `json:"error"`
}

// doneMarker terminates every stream, successful or not.
const doneMarker = "[DONE]"

// =============================================================================
// SSE Implementation
// =============================================================================

// sseStreamWriter implements StreamWriter over an HTTP SSE response.
//
// Each frame is flushed immediately; no batching. Cannot be reused
// across requests.
type sseStreamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// The caller must set SSE headers via SetStreamHeaders before the first
// write. Returns an error if the ResponseWriter cannot flush.
func NewSSEStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseStreamWriter{writer: w, flusher: flusher}, nil
}

// writeFrame serializes payload and writes one "data:" event.
func (w *sseStreamWriter) writeFrame(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteSessionID implements the StreamWriter interface.
func (w *sseStreamWriter) WriteSessionID(sessionID string) error {
	return w.writeFrame(sessionFrame{SessionID: sessionID})
}

// WriteChunk implements the StreamWriter interface.
func (w *sseStreamWriter) WriteChunk(content string) error {
	return w.writeFrame(chunkFrame{Chunk: content})
}

// WriteError implements the StreamWriter interface.
func (w *sseStreamWriter) WriteError(errMsg string) error {
	return w.writeFrame(errorFrame{Error: errMsg})
}

// WriteDone implements the StreamWriter interface.
//
// The marker is deliberately not JSON so clients can terminate on a
// plain string comparison before attempting to parse.
func (w *sseStreamWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", doneMarker); err != nil {
		return fmt.Errorf("write done marker: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive implements the StreamWriter interface with an SSE
// comment line.
func (w *sseStreamWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type: text/event-stream, disables caching, and turns off
// nginx proxy buffering. Must be called before the first write.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*sseStreamWriter)(nil)
