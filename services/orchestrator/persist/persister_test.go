// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

func newStoreWithSession(t *testing.T) (store.SessionStore, string) {
	t.Helper()
	sessions, err := store.NewSessionStore(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	id := store.NewSessionID()
	err = sessions.Create(context.Background(), &datatypes.Session{
		ID:    id,
		Owner: "alice",
		Title: "New Conversation",
	})
	require.NoError(t, err)
	return sessions, id
}

func TestAsyncPersister_WritesTurn(t *testing.T) {
	sessions, id := newStoreWithSession(t)
	p := NewAsyncPersister(sessions, nil, 2, 16, time.Second)

	p.Enqueue(Turn{
		Owner:     "alice",
		SessionID: id,
		Messages: []datatypes.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	session, err := sessions.Get(context.Background(), "alice", id)
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "assistant", session.Messages[1].Role)
}

func TestAsyncPersister_EmptyTurnIgnored(t *testing.T) {
	sessions, id := newStoreWithSession(t)
	p := NewAsyncPersister(sessions, nil, 1, 4, time.Second)

	p.Enqueue(Turn{Owner: "alice", SessionID: id})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	session, err := sessions.Get(context.Background(), "alice", id)
	require.NoError(t, err)
	assert.Empty(t, session.Messages)
}

func TestAsyncPersister_MissingSessionDoesNotPropagate(t *testing.T) {
	sessions, _ := newStoreWithSession(t)
	p := NewAsyncPersister(sessions, nil, 1, 4, time.Second)

	// The write fails inside the worker; callers never see it.
	p.Enqueue(Turn{
		Owner:     "alice",
		SessionID: store.NewSessionID(),
		Messages:  []datatypes.Message{{Role: "user", Content: "orphan"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSyncPersister_WritesInline(t *testing.T) {
	sessions, id := newStoreWithSession(t)
	p := NewSyncPersister(sessions, nil)

	p.Enqueue(Turn{
		Owner:     "alice",
		SessionID: id,
		Messages:  []datatypes.Message{{Role: "user", Content: "hello"}},
	})

	session, err := sessions.Get(context.Background(), "alice", id)
	require.NoError(t, err)
	require.Len(t, session.Messages, 1)
	require.NoError(t, p.Shutdown(context.Background()))
}
