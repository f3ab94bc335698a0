// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and domain types of the chat relay and
// the pure normalization applied to inbound conversations.
package datatypes

import "encoding/json"

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentChars bounds a sanitized message, in Unicode code points.
	MaxMessageContentChars = 4000

	// MaxRequestBodyBytes bounds the raw request body read by the chat handler.
	MaxRequestBodyBytes = 4 << 20
)

// =============================================================================
// Roles
// =============================================================================

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is one of the fixed roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// Messages
// =============================================================================

// Message is one normalized conversation entry.
//
// A Message produced by Normalize always has non-empty sanitized Content of
// at most MaxMessageContentChars code points and a valid Role.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound request body.
//
// Messages is kept raw so that one malformed entry drops only that entry
// instead of failing the whole decode.
type ChatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

// Conversation is the ordered result of normalizing a ChatRequest.
type Conversation struct {
	// Valid is false when the input was not a non-empty array or when every
	// entry was discarded.
	Valid bool

	Messages []Message
}

// CurrentTurn returns the last message, which callers append as the new
// user turn. ok is false for an empty conversation.
func (c Conversation) CurrentTurn() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// =============================================================================
// Streaming
// =============================================================================

// TokenUsage is the provider-reported token accounting for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// StreamEvent is one Server-Sent Event emitted on the sse encoding.
//
// Id and CreatedAt are filled in by the writer.
type StreamEvent struct {
	Id           string      `json:"id"`
	Type         string      `json:"type"`
	CreatedAt    int64       `json:"created_at"`
	MessageId    string      `json:"message_id,omitempty"`
	Content      string      `json:"content,omitempty"`
	Error        string      `json:"error,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}
