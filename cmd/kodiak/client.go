// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// apiClient talks to the orchestrator's HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall timeout: streams are long-lived and cancelled via
		// context instead.
		http: &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON performs a request and decodes the JSON response into out.
// Non-2xx responses become errors carrying the server's error body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serverError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// serverError extracts the {"error": "..."} body when present.
func serverError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", status, body.Error)
	}
	return fmt.Errorf("server returned %d", status)
}

// =============================================================================
// Streaming
// =============================================================================

// streamHandler receives stream frames as they arrive.
type streamHandler struct {
	// OnSession receives the session identifier from the opening frame.
	OnSession func(sessionID string)
	// OnChunk receives each response fragment.
	OnChunk func(chunk string)
	// OnError receives the in-stream failure message, if any.
	OnError func(msg string)
}

// stream posts a chat turn and consumes the SSE response until the
// terminal marker. Returns after [DONE] or on transport failure.
func (c *apiClient) stream(ctx context.Context, req datatypes.ChatStreamRequest, h streamHandler) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/stream", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return serverError(resp.StatusCode, raw)
	}
	return consumeStream(resp.Body, h)
}

// consumeStream reads SSE lines and dispatches frames to the handler.
//
// The wire protocol is one frame per "data:" line:
//
//	data: {"sessionId":"..."}   once, first
//	data: {"chunk":"..."}       repeated
//	data: {"error":"..."}       at most once
//	data: [DONE]                terminal
//
// Comment lines (keepalives) and blank separators are skipped.
func consumeStream(r io.Reader, h streamHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}

		var frame struct {
			SessionID string `json:"sessionId"`
			Chunk     string `json:"chunk"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// A frame we cannot parse is not fatal; the stream still
			// terminates on [DONE].
			continue
		}
		switch {
		case frame.SessionID != "" && h.OnSession != nil:
			h.OnSession(frame.SessionID)
		case frame.Error != "" && h.OnError != nil:
			h.OnError(frame.Error)
		case frame.Chunk != "" && h.OnChunk != nil:
			h.OnChunk(frame.Chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return fmt.Errorf("stream ended without terminal marker")
}

// =============================================================================
// Session API
// =============================================================================

type sessionListResponse struct {
	Sessions []datatypes.SessionSummary `json:"sessions"`
}

func (c *apiClient) listSessions(ctx context.Context, limit int) ([]datatypes.SessionSummary, error) {
	var resp sessionListResponse
	path := fmt.Sprintf("/v1/sessions?limit=%d", limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *apiClient) getSession(ctx context.Context, id string) (*datatypes.Session, error) {
	var session datatypes.Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *apiClient) renameSession(ctx context.Context, id, title string) error {
	body := map[string]string{"title": title}
	return c.doJSON(ctx, http.MethodPatch, "/v1/sessions/"+id, body, nil)
}

func (c *apiClient) deleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

// =============================================================================
// Models API
// =============================================================================

type modelsResponse struct {
	Default   string `json:"default"`
	Providers []struct {
		Provider  string `json:"provider"`
		Available bool   `json:"available"`
		Models    []struct {
			Provider    string `json:"provider"`
			Model       string `json:"model"`
			DisplayName string `json:"displayName"`
			Vision      bool   `json:"vision"`
		} `json:"models"`
	} `json:"providers"`
}

func (c *apiClient) listModels(ctx context.Context) (*modelsResponse, error) {
	var resp modelsResponse
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
