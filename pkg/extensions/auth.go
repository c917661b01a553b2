// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication fails.
// Custom implementations should wrap this error with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: List of roles/groups the user belongs to
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty. Session
	// ownership checks compare against this value.
	UserID string

	// Email is the user's email address.
	// May be empty if not provided by the auth provider.
	Email string

	// Roles contains the user's role memberships.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user". This
// allows the service to function without any authentication infrastructure.
//
// # Deployment Implementations
//
// Hosted versions implement this interface to validate tokens against
// identity providers (OIDC, session cookies, API keys). StaticTokenAuthProvider
// covers the simple shared-secret case.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - token: The authentication token (JWT, session ID, API key, etc.)
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider for open source.
//
// It always returns a valid local user with admin privileges, enabling the
// service to function as a single-user local deployment.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges.
//
// The token parameter is ignored. Any value (including empty string)
// results in successful authentication. This is intentional for local
// single-user deployments.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenAuthProvider authenticates against a fixed token-to-user map.
//
// Suitable for small multi-user deployments and integration tests where a
// full identity provider is overkill. The map is read-only after
// construction, so the provider is safe for concurrent use.
type StaticTokenAuthProvider struct {
	users map[string]AuthInfo
}

// NewStaticTokenAuthProvider builds a provider from token -> identity pairs.
//
// The map is copied; later mutation of the argument does not affect the
// provider.
func NewStaticTokenAuthProvider(users map[string]AuthInfo) *StaticTokenAuthProvider {
	copied := make(map[string]AuthInfo, len(users))
	for token, info := range users {
		copied[token] = info
	}
	return &StaticTokenAuthProvider{users: copied}
}

// Validate looks the token up in the static map.
//
// Returns ErrUnauthorized for unknown tokens. The error is identical for
// "token absent" and "token unknown" so callers cannot probe for valid
// tokens.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	info, ok := p.users[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	out := info
	return &out, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
