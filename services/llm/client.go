// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the completion provider.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
)

// ErrEmptyConversation is returned when ChatStream is called without messages.
var ErrEmptyConversation = errors.New("conversation has no messages")

// GenerationParams are optional sampling overrides. Nil fields use the
// provider's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType identifies a StreamEvent.
type StreamEventType string

const (
	// StreamEventOpen is emitted once, after the provider accepted the
	// request and before the first token.
	StreamEventOpen StreamEventType = "open"

	// StreamEventToken carries one fragment of reply text.
	StreamEventToken StreamEventType = "token"
)

// StreamEvent is delivered to a StreamCallback while a reply streams.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives stream events in order. Returning an error aborts
// the stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// Completion is the final result of a successful stream.
type Completion struct {
	// Text is the fully assembled reply.
	Text string

	// FinishReason as reported by the provider, "stop" when unreported.
	FinishReason string

	// Usage is nil when the provider did not report token counts.
	Usage *datatypes.TokenUsage
}

// ChatStreamer streams a reply for a conversation.
//
// # Description
//
// Implementations send the whole conversation in one provider call and invoke
// callback with StreamEventOpen once the provider has accepted the request,
// then with one StreamEventToken per text fragment.
//
// An error returned before StreamEventOpen means nothing was streamed. An
// error returned after it means the reply is incomplete.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. A single call invokes
// callback from one goroutine.
type ChatStreamer interface {
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams,
		callback StreamCallback) (*Completion, error)
}
