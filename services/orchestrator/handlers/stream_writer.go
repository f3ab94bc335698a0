// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Encodings
// =============================================================================

// Encoding is the wire format of a streamed reply.
type Encoding string

const (
	// EncodingData is the AI SDK data stream protocol (v1). Default.
	EncodingData Encoding = "data"

	// EncodingSSE is Server-Sent Events with JSON payloads.
	EncodingSSE Encoding = "sse"

	// EncodingText is the bare reply text.
	EncodingText Encoding = "text"
)

// DataStreamHeader marks a response as an AI SDK data stream.
const DataStreamHeader = "X-Vercel-AI-Data-Stream"

// SelectEncoding picks the encoding for a request.
//
// The "format" query parameter wins when it names a known encoding.
// Otherwise "Accept: text/event-stream" selects SSE and everything else gets
// the data stream.
func SelectEncoding(r *http.Request) Encoding {
	switch Encoding(strings.ToLower(r.URL.Query().Get("format"))) {
	case EncodingSSE:
		return EncodingSSE
	case EncodingText:
		return EncodingText
	case EncodingData:
		return EncodingData
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return EncodingSSE
	}
	return EncodingData
}

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter writes one streamed reply in a specific encoding.
//
// # Description
//
// Nothing reaches the client before WriteOpen. WriteOpen sets the headers,
// commits status 200 and emits the opening frame, so a request that fails
// before WriteOpen can still be answered with a plain error status.
//
// # Thread Safety
//
// Safe for concurrent use. The SSE heartbeat writes keepalives from its own
// goroutine while tokens are streamed.
type StreamWriter interface {
	// WriteOpen commits the response and announces the reply's message id.
	WriteOpen(messageID string) error

	// WriteToken streams one reply fragment and flushes it.
	WriteToken(content string) error

	// WriteError reports a failure after the stream opened.
	WriteError(errMsg string) error

	// WriteDone ends a complete reply.
	WriteDone(finishReason string, usage *datatypes.TokenUsage) error

	// WriteKeepAlive keeps idle connections open. Encodings without a
	// comment frame treat it as a no-op.
	WriteKeepAlive() error

	// Opened reports whether WriteOpen succeeded.
	Opened() bool
}

// NewStreamWriter creates a StreamWriter for enc on w.
//
// # Outputs
//
//   - StreamWriter: Ready for WriteOpen.
//   - error: Non-nil if w cannot flush.
func NewStreamWriter(enc Encoding, w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	switch enc {
	case EncodingSSE:
		return &sseWriter{streamBase: streamBase{writer: w, flusher: flusher}}, nil
	case EncodingText:
		return &textWriter{streamBase: streamBase{writer: w, flusher: flusher}}, nil
	default:
		return &dataStreamWriter{streamBase: streamBase{writer: w, flusher: flusher}}, nil
	}
}

// NewMessageID returns an id for an assistant reply.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// SetSSEHeaders sets the headers required for Server-Sent Events.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SetDataStreamHeaders sets the headers of an AI SDK data stream.
func SetDataStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(DataStreamHeader, "v1")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Shared plumbing
// =============================================================================

type streamBase struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	opened  bool
	mu      sync.Mutex
}

// commit writes the status line. Caller holds mu and has set headers.
func (b *streamBase) commit() {
	b.writer.WriteHeader(http.StatusOK)
	b.opened = true
}

// emit writes raw bytes and flushes. Caller holds mu.
func (b *streamBase) emit(format string, args ...any) error {
	if _, err := fmt.Fprintf(b.writer, format, args...); err != nil {
		return fmt.Errorf("write stream frame: %w", err)
	}
	b.flusher.Flush()
	return nil
}

func (b *streamBase) Opened() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func usageOrZero(usage *datatypes.TokenUsage) datatypes.TokenUsage {
	if usage == nil {
		return datatypes.TokenUsage{}
	}
	return *usage
}

// =============================================================================
// Data stream
// =============================================================================

// dataStreamWriter speaks the AI SDK data stream protocol: one
// "<code>:<json>\n" frame per part.
type dataStreamWriter struct {
	streamBase
}

type dataStreamFinish struct {
	FinishReason string               `json:"finishReason"`
	Usage        datatypes.TokenUsage `json:"usage"`
	IsContinued  *bool                `json:"isContinued,omitempty"`
}

func (w *dataStreamWriter) part(code string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s part: %w", code, err)
	}
	return w.emit("%s:%s\n", code, data)
}

func (w *dataStreamWriter) WriteOpen(messageID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	SetDataStreamHeaders(w.writer)
	w.commit()
	return w.part("f", map[string]string{"messageId": messageID})
}

func (w *dataStreamWriter) WriteToken(content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.part("0", content)
}

func (w *dataStreamWriter) WriteError(errMsg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.part("3", errMsg)
}

func (w *dataStreamWriter) WriteDone(finishReason string, usage *datatypes.TokenUsage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	continued := false
	if err := w.part("e", dataStreamFinish{
		FinishReason: finishReason,
		Usage:        usageOrZero(usage),
		IsContinued:  &continued,
	}); err != nil {
		return err
	}
	return w.part("d", dataStreamFinish{
		FinishReason: finishReason,
		Usage:        usageOrZero(usage),
	})
}

func (w *dataStreamWriter) WriteKeepAlive() error { return nil }

// =============================================================================
// Server-Sent Events
// =============================================================================

// sseWriter writes "event: <type>\ndata: <json>\n\n" frames.
type sseWriter struct {
	streamBase
}

func (w *sseWriter) event(event datatypes.StreamEvent) error {
	event.Id = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.emit("event: %s\ndata: %s\n\n", event.Type, data)
}

func (w *sseWriter) WriteOpen(messageID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	SetSSEHeaders(w.writer)
	w.commit()
	return w.event(datatypes.StreamEvent{Type: "start", MessageId: messageID})
}

func (w *sseWriter) WriteToken(content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event(datatypes.StreamEvent{Type: "token", Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event(datatypes.StreamEvent{Type: "error", Error: errMsg})
}

func (w *sseWriter) WriteDone(finishReason string, usage *datatypes.TokenUsage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event(datatypes.StreamEvent{Type: "done", FinishReason: finishReason, Usage: usage})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.opened {
		return nil
	}
	return w.emit(": ping\n\n")
}

// =============================================================================
// Plain text
// =============================================================================

// textWriter streams the reply text and nothing else. Errors after the
// stream opened simply end the body early.
type textWriter struct {
	streamBase
}

func (w *textWriter) WriteOpen(string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.writer.Header().Set("Cache-Control", "no-cache")
	w.writer.Header().Set("X-Accel-Buffering", "no")
	w.commit()
	w.flusher.Flush()
	return nil
}

func (w *textWriter) WriteToken(content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emit("%s", content)
}

func (w *textWriter) WriteError(string) error { return nil }

func (w *textWriter) WriteDone(string, *datatypes.TokenUsage) error { return nil }

func (w *textWriter) WriteKeepAlive() error { return nil }

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var (
	_ StreamWriter = (*dataStreamWriter)(nil)
	_ StreamWriter = (*sseWriter)(nil)
	_ StreamWriter = (*textWriter)(nil)
)
