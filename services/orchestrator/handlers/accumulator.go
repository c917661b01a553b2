// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the orchestrator service.
//
// This file implements response accumulation for streaming chat. Chunks
// are collected in mlocked memory so a full assistant response never
// swaps to disk while the stream is in flight.
package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize is the size of the mlocked buffer for
	// response accumulation. 512 KB covers long responses with room to
	// spare; streams are separately capped well below this.
	AccumulatorBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required in kilobytes.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface Definition
// =============================================================================

// ResponseAccumulator collects streamed chunks into the complete
// assistant response.
//
// # Description
//
// An accumulator lives for exactly one stream. Write appends chunks as
// they arrive; Finalize returns the assembled response and wipes the
// buffer; Destroy wipes without returning, for error paths. Neither
// Finalize nor Write may be called after the other has torn the
// accumulator down.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type ResponseAccumulator interface {
	// Write appends a chunk. Fails on overflow or after teardown.
	Write(chunk string) error

	// Len returns the number of bytes accumulated so far.
	Len() int

	// Finalize returns the complete response and wipes the buffer.
	// Single use.
	Finalize() (string, error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID returns a unique identifier for logging.
	ID() string
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator stores chunks in a memguard LockedBuffer: mlocked
// against swapping, guard-paged, and explicitly zeroed on teardown.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	overflow  bool
	destroyed bool
}

// NewResponseAccumulator creates an accumulator for one stream.
//
// Uses mlocked memory when the system's RLIMIT_MEMLOCK allows it.
// With insufficient limits, falls back to plain memory only when
// KODIAK_INSECURE_MEMORY=true; otherwise construction fails so the
// degradation is never silent.
func NewResponseAccumulator() (ResponseAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("KODIAK_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure response accumulator due to mlock limits",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set KODIAK_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AccumulatorBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
	}, nil
}

// Write implements the ResponseAccumulator interface.
func (a *secureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	if a.offset+len(chunk) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(chunk), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
	return nil
}

// Len implements the ResponseAccumulator interface.
func (a *secureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Finalize implements the ResponseAccumulator interface.
func (a *secureAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", fmt.Errorf("buffer overflowed during accumulation")
	}

	response := string(a.buffer.Bytes()[:a.offset])
	a.wipe()
	slog.Debug("Finalized response accumulator",
		"accumulator_id", a.id, "response_length", len(response))
	return response, nil
}

// Destroy implements the ResponseAccumulator interface.
func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed response accumulator", "accumulator_id", a.id)
}

// ID implements the ResponseAccumulator interface.
func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Plain Fallback Implementation
// =============================================================================

// plainAccumulator is the fallback for systems without sufficient mlock
// limits. Zeroing is best-effort; the GC may have made copies.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() ResponseAccumulator {
	id := uuid.New().String()
	slog.Warn("Created INSECURE response accumulator - data may be swapped to disk",
		"accumulator_id", id)
	return &plainAccumulator{
		id:   id,
		data: make([]byte, 0, AccumulatorBufferSize),
	}
}

// Write implements the ResponseAccumulator interface.
func (a *plainAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	if len(a.data)+len(chunk) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(chunk), AccumulatorBufferSize-len(a.data))
	}
	a.data = append(a.data, chunk...)
	return nil
}

// Len implements the ResponseAccumulator interface.
func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Finalize implements the ResponseAccumulator interface.
func (a *plainAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", fmt.Errorf("buffer overflowed during accumulation")
	}
	response := string(a.data)
	a.wipe()
	return response, nil
}

// Destroy implements the ResponseAccumulator interface.
func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

// ID implements the ResponseAccumulator interface.
func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard initializes memguard once and records whether the mlock
// limit can hold an accumulator buffer.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		} else {
			slog.Error("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"help", "raise RLIMIT_MEMLOCK or set KODIAK_INSECURE_MEMORY=true")
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ ResponseAccumulator = (*secureAccumulator)(nil)
	_ ResponseAccumulator = (*plainAccumulator)(nil)
)
