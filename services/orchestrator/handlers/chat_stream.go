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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KodiakAI/KodiakChat/pkg/extensions"
	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/conversation"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/middleware"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/persist"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/storage"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// 15s stays well under typical LB idle timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// attachmentFetchTimeout bounds object store reads during attachment
	// resolution, before streaming begins.
	attachmentFetchTimeout = 30 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler defines the contract for handling streaming chat
// HTTP requests.
//
// # Description
//
// StreamingChatHandler runs one chat turn: it reconciles the incoming
// transcript with the stored session, streams the model response over
// the chosen transport, and hands the completed turn to the persister.
// The frame protocol is fixed regardless of transport; see StreamWriter.
//
// # Error Model
//
// Failures before the first frame map to HTTP statuses via
// datatypes.HTTPStatus. Once streaming has begun, HTTP status is already
// committed; failures become an error frame followed by the [DONE]
// marker. Persistence failures never surface to the client at all.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple
// goroutines. HTTP handlers are called concurrently by Gin.
type StreamingChatHandler interface {
	// HandleChatStream processes POST /v1/chat/stream requests with SSE.
	HandleChatStream(c *gin.Context)

	// HandleChatWS processes GET /v1/chat/ws WebSocket upgrade requests.
	HandleChatWS(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamingChatHandler implements StreamingChatHandler for production use.
//
// All fields are read-only after construction; no shared mutable state
// between requests.
type streamingChatHandler struct {
	registry  *llm.Registry
	sessions  store.SessionStore
	objects   storage.ObjectStore
	persister persist.Persister
	tracer    trace.Tracer
	opts      extensions.ServiceOptions
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamingChatHandler creates a StreamingChatHandler with the
// provided dependencies.
//
// # Inputs
//
//   - registry: Model registry with at least one provider client. Must
//     not be nil.
//   - sessions: Session store. Must not be nil.
//   - objects: Object store for attachment resolution. Must not be nil.
//   - persister: Turn persister. Must not be nil.
//   - opts: Extension options (auth provider etc.).
//
// # Outputs
//
//   - StreamingChatHandler: Ready for use with the Gin router.
//
// # Limitations
//
//   - Panics on nil dependencies (programming errors).
func NewStreamingChatHandler(
	registry *llm.Registry,
	sessions store.SessionStore,
	objects storage.ObjectStore,
	persister persist.Persister,
	opts extensions.ServiceOptions,
) StreamingChatHandler {
	if registry == nil {
		panic("NewStreamingChatHandler: registry must not be nil")
	}
	if sessions == nil {
		panic("NewStreamingChatHandler: sessions must not be nil")
	}
	if objects == nil {
		panic("NewStreamingChatHandler: objects must not be nil")
	}
	if persister == nil {
		panic("NewStreamingChatHandler: persister must not be nil")
	}
	return &streamingChatHandler{
		registry:  registry,
		sessions:  sessions,
		objects:   objects,
		persister: persister,
		tracer:    otel.Tracer("kodiak.orchestrator.handlers.chat_stream"),
		opts:      opts,
	}
}

// =============================================================================
// SSE Handler
// =============================================================================

// HandleChatStream processes streaming chat requests over SSE.
//
// # Description
//
// Handles POST /v1/chat/stream. The flow is:
//  1. Parse and validate the request body
//  2. Resolve the requested model against the registry
//  3. Load or create the session (ownership enforced by the store)
//  4. Reconcile the incoming transcript against stored messages
//  5. Resolve attachment references to content
//  6. Switch to SSE and stream: session frame, chunks, [DONE]
//  7. Enqueue the completed turn for async persistence
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Malformed body, validation failure, unknown model
//   - 404 Not Found: Session missing or owned by another user
//   - 500 Internal Server Error: Session creation or SSE setup failure
//
// Failures after streaming starts are sent as an error frame, then the
// stream is closed with [DONE].
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointSSEStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 0: Authenticated user. Auth middleware has already validated
	// the token and stored AuthInfo.
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse("authentication required"))
		return
	}
	span.SetAttributes(attribute.String("user.id", authInfo.UserID))

	// Step 1: Parse request body.
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
		return
	}
	span.SetAttributes(
		attribute.String("request.session_id", req.SessionID),
		attribute.String("request.model", req.Model),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	// Step 2: Validate.
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("Streaming request validation failed",
			"error", err, "user_id", authInfo.UserID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", err.Error()))
		return
	}

	// Steps 3-5 are transport-independent.
	prep, err := h.prepareTurn(ctx, authInfo, &req, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn preparation failed")
		c.JSON(datatypes.HTTPStatus(err), datatypes.NewErrorResponse("%s", clientMessage(err)))
		return
	}

	// Step 6: Switch to SSE. From here on the HTTP status is committed.
	SetStreamHeaders(c.Writer)
	writer, err := NewSSEStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create stream writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("streaming not supported"))
		return
	}

	success = h.streamTurn(ctx, span, writer, prep, endpoint, startTime)
}

// =============================================================================
// Turn Preparation
// =============================================================================

// preparedTurn carries everything resolved before the first frame.
type preparedTurn struct {
	owner    string
	session  *datatypes.Session
	entry    llm.ModelEntry
	client   llm.LLMClient
	delta    []datatypes.Message
	llmInput []llm.ChatMessage
}

// prepareTurn resolves the model, session, transcript delta, and
// attachments. Errors returned here map cleanly onto HTTP statuses via
// datatypes.HTTPStatus; nothing has been written to the client yet.
func (h *streamingChatHandler) prepareTurn(ctx context.Context, authInfo *extensions.AuthInfo,
	req *datatypes.ChatStreamRequest, endpoint observability.Endpoint) (*preparedTurn, error) {

	// Model resolution failures are client errors: the id either is not
	// in the allow-list (validation) or its provider is down.
	entry, client, err := h.registry.Resolve(req.Model)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		if errors.Is(err, llm.ErrProviderUnavailable) {
			provider := req.Model
			if idx := strings.IndexByte(provider, '/'); idx > 0 {
				provider = provider[:idx]
			}
			return nil, datatypes.NewProviderError(provider,
				fmt.Errorf("model %q is not available", req.Model))
		}
		return nil, datatypes.NewValidationError("unknown model %q", req.Model)
	}

	// Load or create the session.
	var session *datatypes.Session
	if req.SessionID != "" {
		session, err = h.sessions.Get(ctx, authInfo.UserID, req.SessionID)
		if err != nil {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeNotFound)
			}
			return nil, err
		}
	} else {
		session = &datatypes.Session{
			ID:       store.NewSessionID(),
			Owner:    authInfo.UserID,
			Title:    conversation.DeriveTitle(req.Messages),
			Provider: entry.Provider,
			Model:    entry.Model,
		}
		if err := h.sessions.Create(ctx, session); err != nil {
			slog.Error("Failed to create session", "error", err, "user_id", authInfo.UserID)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeInternal)
			}
			return nil, fmt.Errorf("failed to create session")
		}
		slog.Info("Created session", "session_id", session.ID, "user_id", authInfo.UserID)
	}

	// Reconcile the client transcript against stored history. The delta
	// is what this turn adds; divergence is tolerated but logged since a
	// well-behaved client always sends a superset.
	result := conversation.Reconcile(session.Messages, req.Messages)
	if result.Diverged {
		slog.Warn("Client transcript diverged from stored session",
			"session_id", session.ID,
			"stored_messages", len(session.Messages),
			"incoming_messages", len(req.Messages),
			"prefix_len", result.PrefixLen)
	}

	// The model sees the full transcript: stored history plus the delta.
	transcript := make([]datatypes.Message, 0, len(session.Messages)+len(result.Delta))
	transcript = append(transcript, session.Messages...)
	transcript = append(transcript, result.Delta...)

	llmInput, err := h.resolveAttachments(ctx, authInfo.UserID, transcript, entry)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeNotFound)
		}
		return nil, err
	}

	return &preparedTurn{
		owner:    authInfo.UserID,
		session:  session,
		entry:    entry,
		client:   client,
		delta:    result.Delta,
		llmInput: llmInput,
	}, nil
}

// resolveAttachments converts stored messages into provider input,
// fetching attachment content for vision-capable models. A reference to
// a missing or foreign object fails the whole turn with NotFoundError.
func (h *streamingChatHandler) resolveAttachments(ctx context.Context, owner string,
	transcript []datatypes.Message, entry llm.ModelEntry) ([]llm.ChatMessage, error) {

	fetchCtx, cancel := context.WithTimeout(ctx, attachmentFetchTimeout)
	defer cancel()

	out := make([]llm.ChatMessage, 0, len(transcript))
	for _, msg := range transcript {
		cm := llm.ChatMessage{Role: msg.Role, Content: msg.Content}
		for _, att := range msg.Attachments {
			if !entry.Vision {
				// Non-vision models get a text note instead of bytes;
				// the adapter renders it inline.
				cm.Attachments = append(cm.Attachments, llm.AttachmentContent{
					Name:     att.Name,
					MimeType: att.MimeType,
				})
				continue
			}
			obj, err := h.objects.Fetch(fetchCtx, owner, att.FileID)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					return nil, datatypes.NewNotFoundError("attachment")
				}
				slog.Error("Attachment fetch failed", "file_id", att.FileID, "error", err)
				return nil, fmt.Errorf("failed to resolve attachment")
			}
			name := obj.Name
			if att.Name != "" {
				name = att.Name
			}
			cm.Attachments = append(cm.Attachments, llm.AttachmentContent{
				Name:     name,
				MimeType: obj.MimeType,
				Data:     obj.Data,
			})
		}
		out = append(out, cm)
	}
	return out, nil
}

// =============================================================================
// Streaming Core
// =============================================================================

// streamTurn runs the frame sequence on an established stream: session
// frame, chunks, optional error frame, [DONE], then persistence.
// Shared by the SSE and WebSocket transports. Returns success.
func (h *streamingChatHandler) streamTurn(ctx context.Context, span trace.Span,
	writer StreamWriter, prep *preparedTurn, endpoint observability.Endpoint,
	startTime time.Time) bool {

	span.SetAttributes(
		attribute.String("session.id", prep.session.ID),
		attribute.String("llm.model", prep.entry.Key()),
	)

	// Session frame first so the client learns the id even if the
	// provider fails immediately afterwards.
	if err := writer.WriteSessionID(prep.session.ID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write session frame", "session_id", prep.session.ID, "error", err)
		return false
	}

	// Heartbeat until the stream finishes.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	accumulator, accErr := NewResponseAccumulator()
	if accErr != nil {
		// Streaming still works; the turn just cannot be persisted.
		slog.Error("Failed to create response accumulator", "error", accErr)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	modelOverride := prep.entry.Model
	params := llm.GenerationParams{ModelOverride: &modelOverride}

	var tokenCount int32
	var firstTokenTime time.Time
	errorFrameSent := false

	callback := func(event llm.StreamEvent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch event.Type {
		case llm.StreamEventToken:
			if firstTokenTime.IsZero() {
				firstTokenTime = time.Now()
			}
			atomic.AddInt32(&tokenCount, 1)
			if accumulator != nil {
				if err := accumulator.Write(event.Content); err != nil {
					// Keep streaming; the user still sees the response.
					slog.Warn("Failed to accumulate chunk for persistence",
						"session_id", prep.session.ID, "error", err,
						"accumulator_id", accumulator.ID())
				}
			}
			return writer.WriteChunk(event.Content)

		case llm.StreamEventThinking:
			// Reasoning fragments are not part of the response protocol.
			return nil

		case llm.StreamEventError:
			errorFrameSent = true
			return writer.WriteError(clientStreamErrorMessage(prep.entry.Provider))
		}
		return nil
	}

	streamErr := prep.client.ChatStream(ctx, prep.llmInput, params, callback)
	close(heartbeatDone)

	interrupted := ctx.Err() != nil
	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "LLM streaming failed")
		slog.Error("LLM streaming failed",
			"session_id", prep.session.ID,
			"model", prep.entry.Key(),
			"error", streamErr,
			"token_count", atomic.LoadInt32(&tokenCount))

		if m := observability.DefaultMetrics; m != nil {
			if interrupted {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			} else {
				m.RecordError(endpoint, observability.ErrorCodeProvider)
			}
		}
		if !errorFrameSent && !interrupted {
			_ = writer.WriteError(clientStreamErrorMessage(prep.entry.Provider))
		}
	}

	// [DONE] terminates every stream, including failed ones.
	if err := writer.WriteDone(); err != nil {
		slog.Debug("Failed to write done marker", "session_id", prep.session.ID, "error", err)
	}

	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}
	span.SetAttributes(attribute.Int("stream.token_count", int(atomic.LoadInt32(&tokenCount))))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(int(atomic.LoadInt32(&tokenCount)), prep.entry.Key())
	}

	h.persistTurn(prep, accumulator, streamErr, interrupted)
	accumulator = nil

	return streamErr == nil
}

// persistTurn hands the completed exchange to the persister: the
// reconciled delta plus whatever assistant content was produced. A
// response cut short by disconnect or provider failure is kept and
// tagged truncated so the transcript stays honest.
func (h *streamingChatHandler) persistTurn(prep *preparedTurn,
	accumulator ResponseAccumulator, streamErr error, interrupted bool) {

	turnMessages := make([]datatypes.Message, 0, len(prep.delta)+1)
	now := time.Now().UTC()
	for _, m := range prep.delta {
		m.CreatedAt = now
		turnMessages = append(turnMessages, m)
	}

	if accumulator != nil {
		response, err := accumulator.Finalize()
		if err != nil {
			slog.Error("Failed to finalize response accumulator",
				"session_id", prep.session.ID, "error", err)
		} else if response != "" {
			turnMessages = append(turnMessages, datatypes.Message{
				Role:      datatypes.RoleAssistant,
				Content:   response,
				CreatedAt: time.Now().UTC(),
				Truncated: streamErr != nil || interrupted,
			})
		}
	}

	h.persister.Enqueue(persist.Turn{
		Owner:     prep.owner,
		SessionID: prep.session.ID,
		Messages:  turnMessages,
	})
}

// runHeartbeat writes keepalives until the stream finishes or the
// client goes away.
func (h *streamingChatHandler) runHeartbeat(ctx context.Context, writer StreamWriter,
	endpoint observability.Endpoint, done <-chan struct{}) {

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Error Sanitization
// =============================================================================

// clientMessage maps an internal error to a body-safe message. Taxonomy
// errors carry client-safe text already; anything else is masked.
func clientMessage(err error) string {
	var ve *datatypes.ValidationError
	var nfe *datatypes.NotFoundError
	switch {
	case errors.As(err, &ve), errors.As(err, &nfe):
		return err.Error()
	}
	var pe *datatypes.ProviderError
	if errors.As(err, &pe) {
		return fmt.Sprintf("provider %q is unavailable", pe.Provider)
	}
	// Strip wrapping detail; the full error is already logged.
	msg := err.Error()
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}

// clientStreamErrorMessage is the in-stream failure text. Provider
// internals stay in the logs.
func clientStreamErrorMessage(provider string) string {
	return fmt.Sprintf("model provider %q failed while generating the response", provider)
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamingChatHandler = (*streamingChatHandler)(nil)
