// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// sessionKeyPrefix namespaces session records; the full key is
// "session/<owner>/<id>" so ownership scoping is structural and listing
// an owner's sessions is a prefix scan.
const sessionKeyPrefix = "session/"

// NewSessionID returns a fresh 24-character lowercase hex identifier.
func NewSessionID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("session id generation failed: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// SessionStore is the persistence contract for chat sessions.
//
// # Description
//
// All operations are owner-scoped: a session that exists but belongs to
// a different owner is indistinguishable from one that does not exist.
// Both cases surface as datatypes.NotFoundError.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Create persists a new session. The session's ID must be set.
	Create(ctx context.Context, session *datatypes.Session) error

	// Get returns the owner's session by id, or NotFoundError.
	Get(ctx context.Context, owner, id string) (*datatypes.Session, error)

	// AppendMessages atomically appends messages to the owner's session
	// and bumps its UpdatedAt.
	AppendMessages(ctx context.Context, owner, id string, messages []datatypes.Message) error

	// Rename sets the owner's session title.
	Rename(ctx context.Context, owner, id, title string) error

	// Delete removes the owner's session, or returns NotFoundError.
	Delete(ctx context.Context, owner, id string) error

	// List returns summaries of the owner's sessions ordered by
	// UpdatedAt descending, windowed by limit and offset.
	List(ctx context.Context, owner string, limit, offset int) ([]datatypes.SessionSummary, error)

	// Close releases the underlying database.
	Close() error
}

// badgerSessionStore implements SessionStore on an embedded BadgerDB.
type badgerSessionStore struct {
	db *badger.DB
	gc *gcRunner
}

// NewSessionStore opens a session store per cfg.
func NewSessionStore(cfg Config) (SessionStore, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &badgerSessionStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		s.gc.start()
	}
	slog.Info("Opened session store", "path", cfg.Path, "in_memory", cfg.InMemory)
	return s, nil
}

func sessionKey(owner, id string) []byte {
	return []byte(sessionKeyPrefix + owner + "/" + id)
}

func ownerPrefix(owner string) []byte {
	return []byte(sessionKeyPrefix + owner + "/")
}

// getSession reads and decodes one session inside a transaction.
func getSession(txn *badger.Txn, owner, id string) (*datatypes.Session, error) {
	item, err := txn.Get(sessionKey(owner, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, datatypes.NewNotFoundError("session")
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var session datatypes.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &session)
	})
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func putSession(txn *badger.Txn, session *datatypes.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	return txn.Set(sessionKey(session.Owner, session.ID), raw)
}

// Create implements the SessionStore interface.
func (s *badgerSessionStore) Create(ctx context.Context, session *datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session.ID == "" || session.Owner == "" {
		return fmt.Errorf("session id and owner are required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(session.Owner, session.ID)); err == nil {
			return fmt.Errorf("session %s already exists", session.ID)
		}
		return putSession(txn, session)
	})
}

// Get implements the SessionStore interface.
func (s *badgerSessionStore) Get(ctx context.Context, owner, id string) (*datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session *datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		session, err = getSession(txn, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AppendMessages implements the SessionStore interface.
func (s *badgerSessionStore) AppendMessages(ctx context.Context, owner, id string,
	messages []datatypes.Message) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		session, err := getSession(txn, owner, id)
		if err != nil {
			return err
		}
		session.Messages = append(session.Messages, messages...)
		session.UpdatedAt = time.Now().UTC()
		return putSession(txn, session)
	})
}

// Rename implements the SessionStore interface.
func (s *badgerSessionStore) Rename(ctx context.Context, owner, id, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		session, err := getSession(txn, owner, id)
		if err != nil {
			return err
		}
		session.Title = title
		session.UpdatedAt = time.Now().UTC()
		return putSession(txn, session)
	})
}

// Delete implements the SessionStore interface.
func (s *badgerSessionStore) Delete(ctx context.Context, owner, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getSession(txn, owner, id); err != nil {
			return err
		}
		return txn.Delete(sessionKey(owner, id))
	})
}

// List implements the SessionStore interface.
//
// Sessions are decoded during the prefix scan and sorted by UpdatedAt
// descending before windowing. Session counts per owner are small enough
// that an in-memory sort beats maintaining a secondary index.
func (s *badgerSessionStore) List(ctx context.Context, owner string, limit, offset int) ([]datatypes.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var summaries []datatypes.SessionSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := ownerPrefix(owner)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				slog.Warn("Skipping undecodable session record",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			summaries = append(summaries, session.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if offset >= len(summaries) {
		return []datatypes.SessionSummary{}, nil
	}
	end := offset + limit
	if end > len(summaries) {
		end = len(summaries)
	}
	return summaries[offset:end], nil
}

// Close implements the SessionStore interface.
func (s *badgerSessionStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Compile-time interface check.
var _ SessionStore = (*badgerSessionStore)(nil)
