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
	"golang.org/x/time/rate"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// OllamaClient talks to a local Ollama server over its NDJSON chat API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// ollamaMessage is the provider's message shape. Images carry base64
// payloads for multimodal models.
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   ollamaMessage `json:"message"`
	CreatedAt string        `json:"created_at"`
	Done      bool          `json:"done"`
}

// ollamaStreamChunk is one NDJSON line of a streaming chat response.
type ollamaStreamChunk struct {
	Message       ollamaMessage `json:"message"`
	Thinking      string        `json:"thinking,omitempty"`
	Done          bool          `json:"done"`
	DoneReason    string        `json:"done_reason,omitempty"`
	TotalDuration int64         `json:"total_duration,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Provider implements the LLMClient interface.
func (o *OllamaClient) Provider() string { return "ollama" }

// buildOptions maps GenerationParams onto Ollama request options with
// conservative local defaults.
func buildOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// toOllamaMessages translates normalized messages. Image attachments
// become base64 image payloads; other attachment kinds are noted inline
// since Ollama has no generic file input.
func toOllamaMessages(messages []ChatMessage) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, att := range m.Attachments {
			if strings.HasPrefix(att.MimeType, "image/") {
				om.Images = append(om.Images, base64.StdEncoding.EncodeToString(att.Data))
				continue
			}
			om.Content = strings.TrimRight(om.Content, "\n") +
				fmt.Sprintf("\n[attached file: %s (%s)]", att.Name, att.MimeType)
		}
		out[i] = om
	}
	return out
}

// Chat implements the LLMClient interface with a non-streaming call.
func (o *OllamaClient) Chat(ctx context.Context, messages []ChatMessage,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	model := params.Model(o.model)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   false,
		Options:  buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.NewProviderError("ollama", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", datatypes.NewProviderError("ollama",
			fmt.Errorf("failed to read chat response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return "", datatypes.NewProviderError("ollama",
			fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(respBody)))
	}
	var ollamaResp ollamaChatResponse
	if err = json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.NewProviderError("ollama",
			fmt.Errorf("failed to parse chat response: %w", err))
	}
	if ollamaResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return ollamaResp.Message.Content, nil
}

// =============================================================================
// Streaming
// =============================================================================

// StreamConfig bounds a single streaming response.
type StreamConfig struct {
	// RedactThinking suppresses thinking events entirely.
	RedactThinking bool
	// MaxThinkingLength caps cumulative thinking bytes; 0 means unlimited.
	MaxThinkingLength int
	// MaxResponseLength caps cumulative response bytes; 0 means unlimited.
	MaxResponseLength int
	// RateLimitPerSecond caps token events per second; 0 disables the cap.
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the limits applied by ChatStream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxResponseLength: 100 * 1024,
	}
}

// DefaultStreamProcessor turns raw NDJSON chunks into stream events while
// enforcing StreamConfig limits. One instance per stream; not safe for
// concurrent use.
type DefaultStreamProcessor struct {
	cfg         StreamConfig
	limiter     *rate.Limiter
	tokenCount  int
	responseLen int
	thinkingLen int
}

// NewDefaultStreamProcessor builds a processor. A nil limiter is created
// from cfg.RateLimitPerSecond when that is positive.
func NewDefaultStreamProcessor(cfg StreamConfig, limiter *rate.Limiter) *DefaultStreamProcessor {
	if limiter == nil && cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return &DefaultStreamProcessor{cfg: cfg, limiter: limiter}
}

// GetTokenCount returns the number of content events emitted so far.
func (p *DefaultStreamProcessor) GetTokenCount() int { return p.tokenCount }

// GetResponseLength returns the cumulative emitted response length.
func (p *DefaultStreamProcessor) GetResponseLength() int { return p.responseLen }

// ProcessChunk handles one parsed chunk, invoking the callback for any
// resulting events. Returns done=true when the stream has ended, either
// normally or with an in-chunk error.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk,
	callback StreamCallback) (bool, error) {

	if chunk.Error != "" {
		if cbErr := callback(StreamEvent{Type: StreamEventError, Error: chunk.Error}); cbErr != nil {
			return true, fmt.Errorf("stream callback failed: %w", cbErr)
		}
		return true, fmt.Errorf("ollama stream error: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := chunk.Thinking
		if p.cfg.MaxThinkingLength > 0 {
			remaining := p.cfg.MaxThinkingLength - p.thinkingLen
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.thinkingLen += len(content)
			if cbErr := callback(StreamEvent{Type: StreamEventThinking, Content: content}); cbErr != nil {
				return true, fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}

	if chunk.Message.Content != "" {
		content := chunk.Message.Content
		if p.cfg.MaxResponseLength > 0 {
			remaining := p.cfg.MaxResponseLength - p.responseLen
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return true, err
				}
			}
			p.tokenCount++
			p.responseLen += len(content)
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: content}); cbErr != nil {
				return true, fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}

	return chunk.Done, nil
}

// parseStreamChunk parses one NDJSON line.
func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("empty stream chunk")
	}
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}
	return &chunk, nil
}

// ChatStream implements the LLMClient interface with default limits.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams a chat response with explicit limits.
//
// # Description
//
// Issues a streaming /api/chat call and relays NDJSON chunks through a
// DefaultStreamProcessor. Malformed lines are skipped with a warning so a
// single bad chunk cannot kill an otherwise healthy stream. Provider-side
// failures come back as datatypes.ProviderError; context and callback
// errors propagate unwrapped.
//
// # Limitations
//
//   - The stream is not restartable; a consumed prefix is gone.
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	model := params.Model(o.model)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   true,
		Options:  buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create stream request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return datatypes.NewProviderError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("Ollama stream returned an error", "status_code", resp.StatusCode,
			"response", string(body))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return datatypes.NewProviderError("ollama",
			fmt.Errorf("stream failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	processor := NewDefaultStreamProcessor(cfg, nil)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		chunk, parseErr := o.parseStreamChunk(line)
		if parseErr != nil {
			slog.Warn("Skipping malformed stream chunk from Ollama", "error", parseErr)
			continue
		}
		done, procErr := processor.ProcessChunk(ctx, chunk, callback)
		if procErr != nil {
			if chunk.Error != "" {
				span.SetStatus(codes.Error, chunk.Error)
				return datatypes.NewProviderError("ollama", procErr)
			}
			return procErr
		}
		if done {
			break
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, scanErr.Error())
		return datatypes.NewProviderError("ollama",
			fmt.Errorf("stream read failed: %w", scanErr))
	}

	slog.Debug("Ollama stream complete", "model", model,
		"tokens", processor.GetTokenCount(), "response_bytes", processor.GetResponseLength())
	return nil
}

// Compile-time interface check.
var _ LLMClient = (*OllamaClient)(nil)
