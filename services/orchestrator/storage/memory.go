// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore for tests and single-node
// deployments without a bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func memoryKey(owner, fileID string) string {
	return owner + "/" + fileID
}

// Put stores an object under an owner's scope.
func (s *MemoryStore) Put(owner, fileID string, obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(owner, fileID)] = obj
}

// Fetch implements the ObjectStore interface.
func (s *MemoryStore) Fetch(_ context.Context, owner, fileID string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[memoryKey(owner, fileID)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := obj
	out.Data = append([]byte(nil), obj.Data...)
	return &out, nil
}

// SignedURL implements the ObjectStore interface. Memory objects have no
// URLs; existence is still checked so missing objects fail consistently.
func (s *MemoryStore) SignedURL(_ context.Context, owner, fileID string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[memoryKey(owner, fileID)]; !ok {
		return "", ErrObjectNotFound
	}
	return "", nil
}

// Close implements the ObjectStore interface.
func (s *MemoryStore) Close() error { return nil }

// Compile-time interface check.
var _ ObjectStore = (*MemoryStore)(nil)
