// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay.
//
// # Access Gate
//
// The gate admits a request when the configured AuthProvider accepts the raw
// Authorization header. With the default PresenceAuthProvider any request
// carrying the header is admitted, whatever its value, and the credential
// itself is never checked.
//
//	Request
//	   │
//	   ▼
//	AccessGate
//	   │
//	   ├─► Read "Authorization" (body untouched)
//	   │
//	   ├─► provider.Validate(ctx, {value, present})
//	   │       │
//	   │       └─► error ─► 401 "Unauthorized", chain aborted
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
package middleware

import (
	"net/http"

	"github.com/AleutianAI/chatrelay/pkg/extensions"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the gin context key for the admitted AuthInfo.
const authInfoKey = "chatrelay_auth_info"

// UnauthorizedBody is the exact body of a denied request.
const UnauthorizedBody = "Unauthorized"

// SetAuthInfo stores the admitted request's AuthInfo in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the AuthInfo stored by AccessGate, or nil when the
// request did not pass through the gate.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AccessGate creates a gin middleware that admits or denies requests.
//
// # Description
//
// Passes the raw Authorization header, and whether it was sent, to provider. Any error denies the
// request: the chain is aborted with 401 and the plain-text body
// "Unauthorized" before the request body is read, so no downstream handler
// runs and no provider, log or cache call is made.
//
// # Inputs
//
//   - provider: Decides admission. Must not be nil.
//   - metrics: Counts rejections. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for the chat routes.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AccessGate(provider extensions.AuthProvider, metrics *observability.RelayMetrics) gin.HandlerFunc {
	if provider == nil {
		panic("AccessGate: provider must not be nil")
	}
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), credentialFrom(c.Request))
		if err != nil {
			metrics.RecordRequest(observability.EndpointChat, "rejected")
			metrics.RecordError(observability.EndpointChat, observability.ErrorCodeUnauthorized)
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.String(http.StatusUnauthorized, UnauthorizedBody)
			c.Abort()
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// credentialFrom reads the Authorization header. GetHeader cannot tell an
// absent header from an empty one, so presence is taken from the map.
func credentialFrom(r *http.Request) extensions.Credential {
	values, ok := r.Header[http.CanonicalHeaderKey("Authorization")]
	if !ok || len(values) == 0 {
		return extensions.Credential{}
	}
	return extensions.Credential{Value: values[0], Present: true}
}
