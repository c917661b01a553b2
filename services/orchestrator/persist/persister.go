// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persist decouples session writes from the streaming request
// path.
package persist

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// Turn is one completed exchange queued for persistence.
type Turn struct {
	Owner     string
	SessionID string
	Messages  []datatypes.Message
}

// Persister appends completed turns to session storage.
//
// Implementations must never propagate storage failures to the caller;
// a failed write is logged and counted, nothing more.
type Persister interface {
	// Enqueue submits a turn for persistence. Non-blocking.
	Enqueue(turn Turn)

	// Shutdown drains queued turns and stops the workers.
	Shutdown(ctx context.Context) error
}

// AsyncPersister runs a small worker pool over a buffered queue.
//
// # Description
//
// Turns are written with a background context so an aborted HTTP request
// cannot cancel the write of the partial response it produced. The queue
// is bounded; when it is full the turn is dropped and counted rather
// than blocking a live stream.
//
// # Thread Safety
//
// Safe for concurrent Enqueue from any goroutine. Shutdown must be
// called exactly once, after which Enqueue must not be called.
type AsyncPersister struct {
	sessions     store.SessionStore
	metrics      *observability.StreamingMetrics
	queue        chan Turn
	group        *errgroup.Group
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

// NewAsyncPersister starts workers draining the turn queue.
func NewAsyncPersister(sessions store.SessionStore, metrics *observability.StreamingMetrics,
	workers, queueSize int, writeTimeout time.Duration) *AsyncPersister {

	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &AsyncPersister{
		sessions:     sessions,
		metrics:      metrics,
		queue:        make(chan Turn, queueSize),
		group:        group,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
	return p
}

// Enqueue implements the Persister interface.
func (p *AsyncPersister) Enqueue(turn Turn) {
	if len(turn.Messages) == 0 {
		return
	}
	select {
	case p.queue <- turn:
	default:
		slog.Error("Persistence queue full, dropping turn",
			"session_id", turn.SessionID, "messages", len(turn.Messages))
		if p.metrics != nil {
			p.metrics.RecordPersistFailure("append")
		}
	}
}

// worker drains the queue until it is closed or the context ends.
func (p *AsyncPersister) worker(ctx context.Context) {
	for {
		select {
		case turn, ok := <-p.queue:
			if !ok {
				return
			}
			p.persist(turn)
		case <-ctx.Done():
			// Drain what is already queued before giving up.
			for {
				select {
				case turn, ok := <-p.queue:
					if !ok {
						return
					}
					p.persist(turn)
				default:
					return
				}
			}
		}
	}
}

// persist writes one turn, swallowing failures into logs and metrics.
func (p *AsyncPersister) persist(turn Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	err := p.sessions.AppendMessages(ctx, turn.Owner, turn.SessionID, turn.Messages)
	if err != nil {
		perr := datatypes.NewPersistenceError("append", err)
		slog.Error("Failed to persist turn",
			"session_id", turn.SessionID, "messages", len(turn.Messages), "error", perr)
		if p.metrics != nil {
			p.metrics.RecordPersistFailure("append")
		}
		return
	}
	slog.Debug("Persisted turn", "session_id", turn.SessionID, "messages", len(turn.Messages))
}

// Shutdown implements the Persister interface.
func (p *AsyncPersister) Shutdown(ctx context.Context) error {
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Compile-time interface check.
var _ Persister = (*AsyncPersister)(nil)

// SyncPersister writes turns inline. Used in tests and anywhere
// deterministic persistence ordering matters more than latency.
type SyncPersister struct {
	sessions store.SessionStore
	metrics  *observability.StreamingMetrics
}

// NewSyncPersister returns an inline persister over the session store.
func NewSyncPersister(sessions store.SessionStore, metrics *observability.StreamingMetrics) *SyncPersister {
	return &SyncPersister{sessions: sessions, metrics: metrics}
}

// Enqueue implements the Persister interface.
func (p *SyncPersister) Enqueue(turn Turn) {
	if len(turn.Messages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.sessions.AppendMessages(ctx, turn.Owner, turn.SessionID, turn.Messages); err != nil {
		slog.Error("Failed to persist turn",
			"session_id", turn.SessionID, "error", datatypes.NewPersistenceError("append", err))
		if p.metrics != nil {
			p.metrics.RecordPersistFailure("append")
		}
	}
}

// Shutdown implements the Persister interface.
func (p *SyncPersister) Shutdown(_ context.Context) error { return nil }

// Compile-time interface check.
var _ Persister = (*SyncPersister)(nil)
