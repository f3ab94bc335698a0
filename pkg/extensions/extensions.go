// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds the pluggable policy points of the relay.
//
// The relay ships with a presence-only access gate. Deployments that need a
// stronger gate supply their own AuthProvider through ServiceOptions:
//
//	opts := extensions.DefaultOptions().WithAuth(myVerifier)
//	svc, err := orchestrator.New(cfg, &opts)
package extensions

// ServiceOptions bundles the extension points passed to the relay service.
type ServiceOptions struct {
	// AuthProvider gates every chat request.
	AuthProvider AuthProvider
}

// DefaultOptions returns options with the presence-only access gate.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &PresenceAuthProvider{},
	}
}

// WithAuth returns a copy of opts using the given provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
