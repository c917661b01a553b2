// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides a uniform streaming interface over heterogeneous
// model backends and the registry that selects between them.
package llm

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kodiak.llm")

// ErrStreamingNotSupported is returned by backends without a streaming API.
var ErrStreamingNotSupported = errors.New("streaming not supported for this backend")

// GenerationParams carries sampling parameters for a model call. Nil
// pointer fields mean "use the backend default".
type GenerationParams struct {
	Temperature *float32
	TopK        *int
	TopP        *float32
	MaxTokens   *int
	Stop        []string

	// ModelOverride targets a specific model id for this call instead of
	// the client's configured default. Set by the registry when resolving
	// a request's model entry.
	ModelOverride *string
}

// Model returns the effective model id for this call given the client's
// configured fallback.
func (p *GenerationParams) Model(fallback string) string {
	if p.ModelOverride != nil && *p.ModelOverride != "" {
		return *p.ModelOverride
	}
	return fallback
}

// StreamEventType discriminates streaming events.
type StreamEventType int

const (
	// StreamEventToken carries a fragment of the assistant response.
	StreamEventToken StreamEventType = iota
	// StreamEventThinking carries a fragment of model reasoning, for
	// backends that expose it.
	StreamEventThinking
	// StreamEventError carries an in-stream provider failure.
	StreamEventError
	// StreamEventDone signals normal completion.
	StreamEventDone
)

// StreamEvent is one unit of provider output delivered to a callback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in generation order. Returning a
// non-nil error aborts the stream; adapters must stop promptly and
// propagate the error.
type StreamCallback func(event StreamEvent) error

// AttachmentContent is an attachment resolved to bytes for provider
// consumption. The storage collaborator has already enforced ownership by
// the time one of these exists.
type AttachmentContent struct {
	Name     string
	MimeType string
	Data     []byte
}

// ChatMessage is one normalized conversation turn handed to an adapter:
// role vocabulary is "user"/"assistant" and attachments are resolved to
// bytes. Adapters translate both into the provider's representation.
type ChatMessage struct {
	Role        string
	Content     string
	Attachments []AttachmentContent
}

// LLMClient is the uniform interface over model backends.
//
// # Description
//
// ChatStream yields the response incrementally through the callback: a
// finite, non-restartable sequence of events ending when the method
// returns. Chat is the buffered convenience form. Both honor context
// cancellation; an in-flight provider call must be released when the
// context is cancelled.
//
// Provider-side failures are surfaced as a single normalized error kind
// (datatypes.ProviderError) rather than leaking provider-specific shapes.
// Callback and context errors propagate unwrapped.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LLMClient interface {
	// Provider returns the stable provider identifier used in registry
	// keys (e.g. "ollama", "openai", "anthropic").
	Provider() string

	// Chat conducts a conversation and returns the complete response.
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)

	// ChatStream conducts a conversation, delivering the response
	// incrementally via callback.
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams,
		callback StreamCallback) error
}
