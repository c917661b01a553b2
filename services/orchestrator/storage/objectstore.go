// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the object store backing message attachments.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned when a referenced object does not exist
// or is not visible to the requesting owner.
var ErrObjectNotFound = errors.New("object not found")

// Object is a stored attachment resolved to its content.
type Object struct {
	Name     string
	MimeType string
	Data     []byte
}

// ObjectStore resolves attachment references to content.
//
// # Description
//
// Attachment references arriving in chat requests are opaque file ids
// scoped to an owner. Implementations enforce that scoping: fetching
// another owner's object behaves exactly like fetching a missing one.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Fetch returns the object's content, or ErrObjectNotFound.
	Fetch(ctx context.Context, owner, fileID string) (*Object, error)

	// SignedURL returns a time-limited download URL for the object, or
	// ErrObjectNotFound. Stores without URL support may return an empty
	// string and nil error.
	SignedURL(ctx context.Context, owner, fileID string, ttl time.Duration) (string, error)

	// Close releases any underlying client resources.
	Close() error
}
