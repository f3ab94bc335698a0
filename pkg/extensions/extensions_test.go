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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrUnauthorized(t *testing.T) {
	require.NotNil(t, ErrUnauthorized)
	assert.Equal(t, "unauthorized", ErrUnauthorized.Error())
}

func TestPresenceAuthProvider_DeniesAbsentHeader(t *testing.T) {
	provider := &PresenceAuthProvider{}

	info, err := provider.Validate(context.Background(), Credential{})

	assert.Nil(t, info)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestPresenceAuthProvider_AdmitsEmptyValue(t *testing.T) {
	provider := &PresenceAuthProvider{}

	for _, value := range []string{"", "   ", "\t"} {
		info, err := provider.Validate(context.Background(), Credential{Value: value, Present: true})
		require.NoError(t, err, "present credential %q must be admitted", value)
		require.NotNil(t, info)
		assert.Empty(t, info.Scheme)
	}
}

func TestPresenceAuthProvider_AdmitsAnyValue(t *testing.T) {
	provider := &PresenceAuthProvider{}

	tests := []struct {
		credential string
		scheme     string
	}{
		{"Bearer abc123", "Bearer"},
		{"Basic dXNlcjpwYXNz", "Basic"},
		{"not-even-a-token", ""},
		{"Bearer ", ""},
		{"null", ""},
	}

	for _, tt := range tests {
		t.Run(tt.credential, func(t *testing.T) {
			info, err := provider.Validate(context.Background(), Credential{Value: tt.credential, Present: true})
			require.NoError(t, err)
			require.NotNil(t, info)
			assert.Equal(t, tt.scheme, info.Scheme)
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	_, ok := opts.AuthProvider.(*PresenceAuthProvider)
	assert.True(t, ok)
}

type denyAll struct{}

func (denyAll) Validate(context.Context, Credential) (*AuthInfo, error) {
	return nil, ErrUnauthorized
}

func TestServiceOptions_WithAuth(t *testing.T) {
	base := DefaultOptions()
	custom := base.WithAuth(denyAll{})

	_, isDeny := custom.AuthProvider.(denyAll)
	assert.True(t, isDeny)
	_, stillPresence := base.AuthProvider.(*PresenceAuthProvider)
	assert.True(t, stillPresence, "WithAuth must not mutate the receiver")
}
