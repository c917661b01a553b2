// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"strings"
	"unicode"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

const (
	// DefaultTitle is used when no meaningful content exists to derive a
	// title from (e.g. an attachment-only first message).
	DefaultTitle = "New Conversation"

	// maxTitleRunes bounds derived titles. Cuts happen at a word boundary
	// where one exists within the limit.
	maxTitleRunes = 60
)

// DeriveTitle builds a short human label from the first user message of a
// new session. Whitespace runs collapse to single spaces and long content
// is cut near maxTitleRunes at a word boundary with a trailing ellipsis.
func DeriveTitle(messages []datatypes.Message) string {
	var content string
	for i := range messages {
		if messages[i].Role == datatypes.RoleUser && strings.TrimSpace(messages[i].Content) != "" {
			content = messages[i].Content
			break
		}
	}
	if content == "" {
		return DefaultTitle
	}

	collapsed := strings.Join(strings.FieldsFunc(content, unicode.IsSpace), " ")
	runes := []rune(collapsed)
	if len(runes) <= maxTitleRunes {
		return collapsed
	}

	cut := maxTitleRunes
	for i := maxTitleRunes; i > maxTitleRunes/2; i-- {
		if runes[i-1] == ' ' {
			cut = i - 1
			break
		}
	}
	return string(runes[:cut]) + "…"
}
