// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-5"
	anthropicMaxTokens      = 8192
)

// AnthropicClient adapts the Anthropic Messages API over plain REST.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type anthropicContentBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`

	Temperature   *float32 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Error   *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent is the union of SSE data payloads the stream emits.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

// NewAnthropicClient builds a client from ANTHROPIC_API_KEY (with a
// container secret fallback), ANTHROPIC_MODEL, and ANTHROPIC_BASE_URL.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the Anthropic API key from container secrets")
		} else {
			slog.Error("ANTHROPIC_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
		}
	}
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = anthropicDefaultModel
		slog.Warn("ANTHROPIC_MODEL not set, defaulting", "model", model)
	}
	baseURL := strings.TrimSuffix(os.Getenv("ANTHROPIC_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	slog.Info("Initializing Anthropic client", "model", model)
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// Provider implements the LLMClient interface.
func (a *AnthropicClient) Provider() string { return "anthropic" }

// toAnthropicMessages translates normalized messages into content blocks.
// Image attachments become base64 image blocks, PDFs become document
// blocks, anything else is noted as text.
func toAnthropicMessages(messages []ChatMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		blocks := make([]anthropicContentBlock, 0, len(m.Attachments)+1)
		for _, att := range m.Attachments {
			switch {
			case strings.HasPrefix(att.MimeType, "image/"):
				blocks = append(blocks, anthropicContentBlock{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: att.MimeType,
						Data:      base64.StdEncoding.EncodeToString(att.Data),
					},
				})
			case att.MimeType == "application/pdf":
				blocks = append(blocks, anthropicContentBlock{
					Type: "document",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: att.MimeType,
						Data:      base64.StdEncoding.EncodeToString(att.Data),
					},
				})
			default:
				blocks = append(blocks, anthropicContentBlock{
					Type: "text",
					Text: fmt.Sprintf("[attached file: %s (%s)]", att.Name, att.MimeType),
				})
			}
		}
		if m.Content != "" || len(blocks) == 0 {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
	}
	return out
}

func (a *AnthropicClient) buildRequest(messages []ChatMessage, params GenerationParams,
	stream bool) anthropicRequest {

	req := anthropicRequest{
		Model:         params.Model(a.model),
		MaxTokens:     anthropicMaxTokens,
		System:        os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA"),
		Messages:      toAnthropicMessages(messages),
		Stream:        stream,
		Temperature:   params.Temperature,
		TopK:          params.TopK,
		TopP:          params.TopP,
		StopSequences: params.Stop,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	return req
}

func (a *AnthropicClient) newHTTPRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Anthropic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	return req, nil
}

// Chat implements the LLMClient interface.
func (a *AnthropicClient) Chat(ctx context.Context, messages []ChatMessage,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", params.Model(a.model)))

	req, err := a.newHTTPRequest(ctx, a.buildRequest(messages, params, false))
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", datatypes.NewProviderError("anthropic", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", datatypes.NewProviderError("anthropic",
			fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Anthropic returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return "", datatypes.NewProviderError("anthropic",
			fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", datatypes.NewProviderError("anthropic",
			fmt.Errorf("failed to parse response: %w", err))
	}
	if parsed.Error != nil {
		return "", datatypes.NewProviderError("anthropic",
			fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// ChatStream implements the LLMClient interface.
//
// Parses the Messages API SSE stream: text deltas from
// content_block_delta events become token events, an error event aborts
// with a ProviderError, message_stop ends the stream.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", params.Model(a.model)))

	req, err := a.newHTTPRequest(ctx, a.buildRequest(messages, params, true))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return datatypes.NewProviderError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("Anthropic stream returned an error", "status_code", resp.StatusCode,
			"response", string(body))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return datatypes.NewProviderError("anthropic",
			fmt.Errorf("stream failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			slog.Warn("Skipping malformed stream event from Anthropic", "error", err)
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: event.Delta.Text}); cbErr != nil {
					return fmt.Errorf("stream callback failed: %w", cbErr)
				}
			}
		case "error":
			msg := "unknown stream error"
			if event.Error != nil {
				msg = fmt.Sprintf("%s: %s", event.Error.Type, event.Error.Message)
			}
			span.SetStatus(codes.Error, msg)
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: msg}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return datatypes.NewProviderError("anthropic", fmt.Errorf("%s", msg))
		case "message_stop":
			return nil
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(scanErr)
		return datatypes.NewProviderError("anthropic",
			fmt.Errorf("stream read failed: %w", scanErr))
	}
	return nil
}

// Compile-time interface check.
var _ LLMClient = (*AnthropicClient)(nil)
