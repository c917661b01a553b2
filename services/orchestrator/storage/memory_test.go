// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FetchRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	store.Put("alice", "file-1", Object{
		Name:     "photo.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 0x50, 0x4e, 0x47},
	})

	obj, err := store.Fetch(context.Background(), "alice", "file-1")
	require.NoError(t, err)
	assert.Equal(t, "photo.png", obj.Name)
	assert.Equal(t, "image/png", obj.MimeType)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, obj.Data)

	// Returned data is a copy; mutating it must not corrupt the store.
	obj.Data[0] = 0xff
	again, err := store.Fetch(context.Background(), "alice", "file-1")
	require.NoError(t, err)
	assert.Equal(t, byte(0x89), again.Data[0])
}

func TestMemoryStore_MissingObject(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Fetch(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.SignedURL(context.Background(), "alice", "nope", time.Minute)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemoryStore_OwnerScoping(t *testing.T) {
	store := NewMemoryStore()
	store.Put("alice", "file-1", Object{Name: "a.txt", MimeType: "text/plain", Data: []byte("hi")})

	// Another owner cannot see the object, same error as missing.
	_, err := store.Fetch(context.Background(), "mallory", "file-1")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
