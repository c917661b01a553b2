// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the streaming chat request types and their validation.
// Session persistence types live in session.go, error taxonomy in errors.go.
package datatypes

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked in bytes, not runes, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxAttachmentsPerMessage bounds the attachment list of one message.
	MaxAttachmentsPerMessage = 10

	// MaxTitleLength is the maximum length of a session title in runes.
	MaxTitleLength = 256

	// RoleUser and RoleAssistant are the only roles accepted from clients.
	// System prompts are a server-side concern and never part of a stored
	// transcript.
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// sessionIDPattern matches the session identifier format: 24 lowercase hex
// characters.
var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// ValidSessionID reports whether id matches the session identifier format.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Custom validator for message content size
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	// Custom validator for the 24-hex session identifier format
	_ = chatValidate.RegisterValidation("sessionid", validateSessionID)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Byte length, not rune count, so oversized
// multi-byte payloads are rejected too.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// validateSessionID validates the session identifier format.
func validateSessionID(fl validator.FieldLevel) bool {
	return ValidSessionID(fl.Field().String())
}

// =============================================================================
// Message Types
// =============================================================================

// Attachment is a reference to a file held by the external storage
// collaborator. It never carries file bytes; the FileID resolves to an
// object namespaced by the owning user, and the storage collaborator
// enforces that ownership when bytes are fetched.
type Attachment struct {
	FileID      string `json:"fileId" validate:"required"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// Message is one conversation turn. Within a session the message sequence
// is append-only: messages are never reordered or mutated after creation.
//
// Content may be empty only when at least one attachment is present.
// Truncated marks an assistant message whose stream was cut short by a
// client disconnect; the stored text is what the client actually received.
type Message struct {
	Role        string       `json:"role" validate:"required"`
	Content     string       `json:"content" validate:"maxbytes"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"max=10,dive"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// AttachmentIDs returns the set of attachment file identifiers, in order.
func (m *Message) AttachmentIDs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	ids := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		ids[i] = a.FileID
	}
	return ids
}

// =============================================================================
// Streaming Chat Request
// =============================================================================

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Description
//
// The client submits its entire locally-known transcript on every turn, not
// just the new message; the server reconciles that transcript against stored
// history (see the conversation package). SessionID and Model are optional:
// a missing SessionID creates a new session, a missing Model selects the
// registry default.
//
// # Fields
//
//   - SessionID: Optional. 24 lowercase hex characters. Must resolve to a
//     session owned by the caller.
//   - Model: Optional. Registry identifier, normally "provider/model"
//     (e.g. "ollama/gpt-oss"). A bare model id resolves only when exactly
//     one registry entry carries it.
//   - Messages: Required, 1-100 elements, roles "user" or "assistant" only.
//     The final element must be a "user" message; it is the turn the model
//     answers.
//
// # Limitations
//
//   - Message content limited to 32KB each
//   - At most 10 attachments per message
type ChatStreamRequest struct {
	SessionID string    `json:"sessionId,omitempty" validate:"omitempty,sessionid"`
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages" validate:"required,min=1,max=100,dive"`
}

// Validate checks the request beyond what struct tags express and returns
// a taxonomy error suitable for direct client delivery.
//
// All of this runs before any streaming or persistence side effect. Error
// messages name the offending field and index so clients can repair the
// request.
func (r *ChatStreamRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return r.translateValidatorError(err)
	}
	for i := range r.Messages {
		msg := &r.Messages[i]
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return NewValidationError(
				"messages[%d]: invalid role %q (role must be %q or %q)",
				i, msg.Role, RoleUser, RoleAssistant)
		}
		if msg.Content == "" && len(msg.Attachments) == 0 {
			return NewValidationError(
				"messages[%d]: content must not be empty unless attachments are present", i)
		}
	}
	if last := &r.Messages[len(r.Messages)-1]; last.Role != RoleUser {
		return NewValidationError(`last message must have role %q`, RoleUser)
	}
	return nil
}

// translateValidatorError converts go-playground validator output into a
// single ValidationError with a client-safe message.
func (r *ChatStreamRequest) translateValidatorError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return NewValidationError("invalid request: %v", err)
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "SessionID":
		return NewValidationError("sessionId must be 24 lowercase hex characters")
	case fe.Field() == "Messages" && fe.Tag() == "required",
		fe.Field() == "Messages" && fe.Tag() == "min":
		return NewValidationError("messages must contain at least one message")
	case fe.Field() == "Messages" && fe.Tag() == "max":
		return NewValidationError("messages must contain at most %d messages", MaxMessagesPerRequest)
	case fe.Tag() == "maxbytes":
		return NewValidationError("message content exceeds %d bytes", MaxMessageContentBytes)
	case fe.Field() == "Attachments":
		return NewValidationError("a message may carry at most %d attachments", MaxAttachmentsPerMessage)
	case fe.Field() == "FileID":
		return NewValidationError("attachment fileId is required")
	case fe.Field() == "Role":
		return NewValidationError(`message role is required ("user" or "assistant")`)
	default:
		return NewValidationError("invalid field %s", fe.Field())
	}
}

// LastMessage returns the final element of Messages. Call only after
// Validate has passed.
func (r *ChatStreamRequest) LastMessage() Message {
	return r.Messages[len(r.Messages)-1]
}

// =============================================================================
// Non-streaming Error Body
// =============================================================================

// ErrorResponse is the JSON body returned for failures that never open the
// streaming response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewErrorResponse formats an ErrorResponse.
func NewErrorResponse(format string, args ...any) ErrorResponse {
	return ErrorResponse{Error: fmt.Sprintf(format, args...)}
}
