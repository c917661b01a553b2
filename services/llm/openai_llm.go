// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// OpenAIClient adapts the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from OPENAI_API_KEY (with a container
// secret fallback) and OPENAI_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Provider implements the LLMClient interface.
func (o *OpenAIClient) Provider() string { return "openai" }

// toOpenAIMessages translates normalized messages. Messages with image
// attachments become multi-part content with data URLs; other attachment
// kinds are noted inline.
func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}

		hasImage := false
		for _, att := range m.Attachments {
			if strings.HasPrefix(att.MimeType, "image/") {
				hasImage = true
				break
			}
		}
		if !hasImage {
			content := m.Content
			for _, att := range m.Attachments {
				content = strings.TrimRight(content, "\n") +
					fmt.Sprintf("\n[attached file: %s (%s)]", att.Name, att.MimeType)
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Attachments)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		for _, att := range m.Attachments {
			if !strings.HasPrefix(att.MimeType, "image/") {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("[attached file: %s (%s)]", att.Name, att.MimeType),
				})
				continue
			}
			dataURL := fmt.Sprintf("data:%s;base64,%s", att.MimeType,
				base64.StdEncoding.EncodeToString(att.Data))
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

// buildRequest assembles a completion request, honoring the optional
// persona system prompt used across backends.
func (o *OpenAIClient) buildRequest(messages []ChatMessage, params GenerationParams,
	stream bool) openai.ChatCompletionRequest {

	reqMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if persona := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA"); persona != "" {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: persona,
		})
	}
	reqMessages = append(reqMessages, toOpenAIMessages(messages)...)

	req := openai.ChatCompletionRequest{
		Model:    params.Model(o.model),
		Messages: reqMessages,
		Stream:   stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Chat implements the LLMClient interface.
func (o *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params, false))
	if err != nil {
		span.RecordError(err)
		slog.Error("OpenAI API call failed", "error", err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", datatypes.NewProviderError("openai", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", datatypes.NewProviderError("openai", fmt.Errorf("no choices returned"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface.
//
// Delta fragments are relayed as token events in arrival order. The
// stream ends on the provider's EOF; provider failures (including
// in-stream ones) come back as datatypes.ProviderError.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(messages, params, true))
	if err != nil {
		span.RecordError(err)
		slog.Error("OpenAI stream creation failed", "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return datatypes.NewProviderError("openai", err)
	}
	defer stream.Close()

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			span.RecordError(recvErr)
			provErr := datatypes.NewProviderError("openai", recvErr)
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: provErr.Error()}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return provErr
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}
}

// Compile-time interface check.
var _ LLMClient = (*OpenAIClient)(nil)
