// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChatStreamRequest_Validate_Success verifies that a well-formed
// request passes validation.
func TestChatStreamRequest_Validate_Success(t *testing.T) {
	t.Parallel()

	req := ChatStreamRequest{
		Messages: []Message{
			{Role: RoleUser, Content: "Hello"},
			{Role: RoleAssistant, Content: "Hi there"},
			{Role: RoleUser, Content: "How are you?"},
		},
	}

	assert.NoError(t, req.Validate())
}

// TestChatStreamRequest_Validate_SystemRole verifies that a system role is
// rejected with an error message that names the role field.
func TestChatStreamRequest_Validate_SystemRole(t *testing.T) {
	t.Parallel()

	req := ChatStreamRequest{
		Messages: []Message{
			{Role: "system", Content: "x"},
		},
	}

	err := req.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "role")
}

// TestChatStreamRequest_Validate_EmptyMessages verifies that an empty
// messages array is rejected.
func TestChatStreamRequest_Validate_EmptyMessages(t *testing.T) {
	t.Parallel()

	req := ChatStreamRequest{Messages: []Message{}}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages")
}

// TestChatStreamRequest_Validate_EmptyContent verifies the
// content-or-attachment rule.
func TestChatStreamRequest_Validate_EmptyContent(t *testing.T) {
	t.Parallel()

	noAttachment := ChatStreamRequest{
		Messages: []Message{{Role: RoleUser, Content: ""}},
	}
	err := noAttachment.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content")

	withAttachment := ChatStreamRequest{
		Messages: []Message{{
			Role:        RoleUser,
			Content:     "",
			Attachments: []Attachment{{FileID: "f-1", MimeType: "image/png"}},
		}},
	}
	assert.NoError(t, withAttachment.Validate())
}

// TestChatStreamRequest_Validate_TrailingAssistant verifies that a
// transcript ending in an assistant message is rejected, so resubmitting a
// fully answered transcript never fabricates a new assistant turn.
func TestChatStreamRequest_Validate_TrailingAssistant(t *testing.T) {
	t.Parallel()

	req := ChatStreamRequest{
		Messages: []Message{
			{Role: RoleUser, Content: "Hello"},
			{Role: RoleAssistant, Content: "Hi there"},
		},
	}

	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last message")
}

// TestChatStreamRequest_Validate_SessionIDFormat verifies the 24-hex
// session identifier format check.
func TestChatStreamRequest_Validate_SessionIDFormat(t *testing.T) {
	t.Parallel()

	valid := ChatStreamRequest{
		SessionID: "0123456789abcdef01234567",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	}
	assert.NoError(t, valid.Validate())

	for _, id := range []string{"short", "0123456789ABCDEF01234567", "0123456789abcdef012345678", "xyz"} {
		req := ChatStreamRequest{
			SessionID: id,
			Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		}
		err := req.Validate()
		require.Error(t, err, "sessionId %q should be rejected", id)
		assert.Contains(t, err.Error(), "sessionId")
	}
}

// TestChatStreamRequest_Validate_OversizedContent verifies the byte limit
// on message content.
func TestChatStreamRequest_Validate_OversizedContent(t *testing.T) {
	t.Parallel()

	req := ChatStreamRequest{
		Messages: []Message{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes+1)}},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content")
}

// TestValidSessionID covers the identifier format predicate directly.
func TestValidSessionID(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidSessionID("000000000000000000000000"))
	assert.True(t, ValidSessionID("a1b2c3d4e5f6a1b2c3d4e5f6"))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("A1B2C3D4E5F6A1B2C3D4E5F6"))
	assert.False(t, ValidSessionID("a1b2c3d4e5f6a1b2c3d4e5f"))
}

// TestHTTPStatus verifies the taxonomy to status mapping.
func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 400, HTTPStatus(NewValidationError("bad")))
	assert.Equal(t, 404, HTTPStatus(NewNotFoundError("session")))
	assert.Equal(t, 502, HTTPStatus(NewProviderError("ollama", assert.AnError)))
	assert.Equal(t, 500, HTTPStatus(assert.AnError))
}
