// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a request may not proceed.
// Providers should wrap this error with additional context.
//
// Example:
//
//	if !cred.Present {
//	    return nil, fmt.Errorf("missing credential: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo describes an admitted request.
//
// The relay has no identity system, so this only records what was seen on
// the wire. Scheme is the first token of the credential ("Bearer", "Basic")
// or empty when the credential is a bare value.
type AuthInfo struct {
	Scheme string
}

// Credential is the Authorization header as seen on the wire.
//
// Present distinguishes an absent header from one sent with an empty value.
type Credential struct {
	Value   string
	Present bool
}

// AuthProvider decides whether a request carrying the given credential is
// admitted.
//
// # Description
//
// The credential carries the raw Authorization header value and whether the
// header was sent at all. Implementations return ErrUnauthorized (or a
// wrapped form) to deny.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, cred Credential) (*AuthInfo, error)
}

// PresenceAuthProvider admits any request that carries an Authorization
// header.
//
// # Description
//
// This is a presence check only. The credential's format, signature and
// claims are never inspected, so any value is accepted, including an empty
// one. Only a request without the header is denied. Replacing it with a
// verifying provider changes which requests the relay answers.
//
// # Limitations
//
//   - Does not verify the credential in any way.
type PresenceAuthProvider struct{}

// Validate implements AuthProvider.
func (p *PresenceAuthProvider) Validate(_ context.Context, cred Credential) (*AuthInfo, error) {
	if !cred.Present {
		return nil, ErrUnauthorized
	}

	info := &AuthInfo{}
	if scheme, _, found := strings.Cut(strings.TrimSpace(cred.Value), " "); found {
		info.Scheme = scheme
	}
	return info, nil
}

var _ AuthProvider = (*PresenceAuthProvider)(nil)
