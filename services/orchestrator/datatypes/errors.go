// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError reports a malformed or unacceptable request: missing
// fields, unknown model, bad role, empty content without an attachment.
// Always maps to HTTP 400 and never leaves side effects behind.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError builds a ValidationError with a formatted message.
// The message is returned verbatim to clients, so it must not contain
// internal details.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that a resource does not exist for the calling
// user. The message is deliberately identical for "does not exist" and
// "exists but is not yours" so callers cannot probe for other users'
// resources. Maps to HTTP 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// NewNotFoundError builds a NotFoundError for the named resource kind
// (e.g. "session", "file", "model").
func NewNotFoundError(resource string) *NotFoundError {
	return &NotFoundError{Resource: resource}
}

// ProviderError reports an upstream model backend failure. Provider
// adapters wrap every provider-specific failure shape into this one kind
// so handlers never inspect provider internals. During streaming it is
// surfaced as an error frame before the terminal marker; before streaming
// it maps to HTTP 502.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a failure of the named provider.
func NewProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

// PersistenceError reports a post-stream save failure. By the time it can
// occur the response has already been delivered, so it is logged and
// counted, never surfaced to the caller. The resulting inconsistency
// window (stream delivered, save lost) is a documented property of the
// system, not a hidden one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a failure of the named store operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// HTTPStatus maps a taxonomy error to its response status. Unclassified
// errors map to 500.
func HTTPStatus(err error) int {
	var ve *ValidationError
	var nfe *NotFoundError
	var pe *ProviderError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nfe):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
