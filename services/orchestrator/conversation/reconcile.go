// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation implements transcript reconciliation and title
// derivation for chat sessions.
//
// Clients resubmit their entire locally-known transcript on every turn so
// the UI survives state loss; the server remains the source of truth for
// what is already persisted. Reconciliation determines which trailing
// messages of the client's array are genuinely new, without trusting the
// client to self-report deltas and without creating duplicates.
package conversation

import (
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// Result describes the outcome of reconciling an incoming transcript
// against stored history.
//
// PrefixLen is the longest k such that incoming[0:k] equals stored[0:k]
// pairwise. Delta holds incoming[k:], the messages not yet persisted, in
// order. Diverged is true when the client's transcript contradicts stored
// history (k < len(stored)); stored history stays the prefix of truth and
// only the client's own suffix beyond k is treated as new.
type Result struct {
	PrefixLen int
	Delta     []datatypes.Message
	Diverged  bool
}

// Reconcile computes the minimal set of new messages to append.
//
// # Description
//
// Computes the longest common prefix of stored and incoming under exact
// (role, content, attachment-id-set) equality, then splits incoming at
// that point. Equality is exact rather than fuzzy so near-identical
// messages are never merged accidentally.
//
// Outcomes:
//   - k == len(stored): incoming is a superset of history; Delta is the
//     new suffix. The common case.
//   - k < len(stored): the transcripts diverge (stale client state,
//     concurrent edit). Delta is still incoming[k:]; the caller should log
//     the request as anomalous. Stored history is never rewritten.
//
// With no stored history (new session) k is 0 and the whole incoming
// array is the delta.
//
// # Inputs
//
//   - stored: the session's persisted message sequence, ordered.
//   - incoming: the client-submitted sequence, ordered.
//
// # Outputs
//
//   - Result: prefix length, delta, divergence flag.
//
// # Assumptions
//
//   - incoming has passed request validation (non-empty, trailing user
//     message).
func Reconcile(stored, incoming []datatypes.Message) Result {
	k := longestCommonPrefix(stored, incoming)
	delta := make([]datatypes.Message, len(incoming)-k)
	copy(delta, incoming[k:])
	return Result{
		PrefixLen: k,
		Delta:     delta,
		Diverged:  k < len(stored),
	}
}

// longestCommonPrefix returns the largest k with stored[0:k] pairwise
// equal to incoming[0:k].
func longestCommonPrefix(stored, incoming []datatypes.Message) int {
	n := min(len(stored), len(incoming))
	for i := 0; i < n; i++ {
		if !messagesEqual(&stored[i], &incoming[i]) {
			return i
		}
	}
	return n
}

// messagesEqual implements reconciliation equality: role, content, and the
// attachment identifier sequence. Timestamps and truncation flags are
// server-side annotations and deliberately excluded, since the client
// never echoes them back faithfully.
func messagesEqual(a, b *datatypes.Message) bool {
	if a.Role != b.Role || a.Content != b.Content {
		return false
	}
	if len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		if a.Attachments[i].FileID != b.Attachments[i].FileID {
			return false
		}
	}
	return true
}
