// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers serves the relay's HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/chatrelay/services/orchestrator/middleware"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// heartbeatInterval is the SSE keepalive period.
const heartbeatInterval = 15 * time.Second

// Plain-text bodies of the non-streaming responses.
const (
	InternalServerErrorBody = "Internal Server Error"
	InvalidBodyMessage      = "Invalid request body: expected a JSON object with a \"messages\" array"
	BodyTooLargeMessage     = "Request body too large"
	NoValidMessagesMessage  = "Invalid messages: expected a non-empty array of {content, role} entries with non-empty content"
	streamFailedMessage     = "An error occurred while processing your request"
)

// TurnRecorder receives the side effects of a chat turn. Implementations
// must never block on, or fail, the request.
type TurnRecorder interface {
	RecordUserTurn(ctx context.Context, requestID, content string)
	RecordAssistantTurn(ctx context.Context, requestID, reply string)
}

// ChatHandlerConfig configures a ChatHandler.
type ChatHandlerConfig struct {
	// LLM streams completions. Required.
	LLM llm.ChatStreamer

	// Recorder receives user and assistant turns. Required.
	Recorder TurnRecorder

	// Model labels token metrics.
	Model string

	// Params are the sampling overrides sent with every completion.
	Params llm.GenerationParams

	Logger  *logging.Logger
	Metrics *observability.RelayMetrics

	// Heartbeat overrides the SSE keepalive period.
	Heartbeat time.Duration
}

// ChatHandler relays one chat turn per request.
type ChatHandler struct {
	llm       llm.ChatStreamer
	recorder  TurnRecorder
	model     string
	params    llm.GenerationParams
	logger    *logging.Logger
	metrics   *observability.RelayMetrics
	heartbeat time.Duration
	tracer    trace.Tracer
}

// NewChatHandler creates the chat relay handler.
//
// # Inputs
//
//   - cfg: LLM and Recorder must not be nil.
//
// # Outputs
//
//   - *ChatHandler: Ready for concurrent use.
func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	if cfg.LLM == nil {
		panic("NewChatHandler: LLM must not be nil")
	}
	if cfg.Recorder == nil {
		panic("NewChatHandler: Recorder must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = heartbeatInterval
	}
	return &ChatHandler{
		llm:       cfg.LLM,
		recorder:  cfg.Recorder,
		model:     cfg.Model,
		params:    cfg.Params,
		logger:    logger,
		metrics:   cfg.Metrics,
		heartbeat: heartbeat,
		tracer:    otel.Tracer("chatrelay.handlers"),
	}
}

// HandleChat relays a conversation to the provider and streams the reply.
//
// # Description
//
// Runs behind AccessGate. The flow per request:
//
//  1. Read and decode {"messages": [...]}. Malformed bodies get 400.
//  2. Normalize the messages. No surviving entry gets 400.
//  3. Log the last entry as the user turn (isolated, bounded).
//  4. Open the provider stream with the whole conversation. A failure
//     before the stream opens gets 500 "Internal Server Error".
//  5. Stream tokens in the selected encoding as they arrive.
//  6. On a complete reply, fire the completion hook exactly once. It hands
//     the reply to the recorder, which logs and caches it in the
//     background, and the response ends without waiting for it.
//
// A client that disconnects, or a provider that fails mid-stream, ends the
// stream without firing the hook; incomplete replies are never recorded.
//
// # Outputs
//
// Status 401 (from the gate), 400, 500 or a streamed 200.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChat
	requestID := middleware.GetRequestID(c)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	status := "error"
	defer func() {
		h.metrics.RecordRequest(endpoint, status)
	}()

	conv, msg := h.readConversation(c)
	if !conv.Valid {
		span.SetStatus(codes.Error, "validation failed")
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		h.logger.Debug("Rejected chat request", "requestId", requestID, "reason", msg)
		status = "rejected"
		c.String(http.StatusBadRequest, msg)
		return
	}
	span.SetAttributes(attribute.Int("request.message_count", len(conv.Messages)))

	// The caller appends the new turn last; that entry is logged as the
	// user turn whatever its role.
	current, _ := conv.CurrentTurn()
	if current.Role != datatypes.RoleUser {
		h.logger.Debug("Last message is not a user turn; logging it as one",
			"requestId", requestID,
			"role", string(current.Role),
		)
	}
	h.recorder.RecordUserTurn(ctx, requestID, current.Content)

	writer, err := NewStreamWriter(SelectEncoding(c.Request), c.Writer)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Cannot stream response", "requestId", requestID, "error", err)
		c.String(http.StatusInternalServerError, InternalServerErrorBody)
		return
	}

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	heartbeatDone := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	defer func() {
		close(heartbeatDone)
		heartbeatWG.Wait()
	}()

	messageID := NewMessageID()
	var firstToken time.Time

	callback := func(event llm.StreamEvent) error {
		if err := streamCtx.Err(); err != nil {
			return err
		}
		switch event.Type {
		case llm.StreamEventOpen:
			if err := writer.WriteOpen(messageID); err != nil {
				return err
			}
			heartbeatWG.Add(1)
			go func() {
				defer heartbeatWG.Done()
				h.runHeartbeat(streamCtx, writer, endpoint, heartbeatDone)
			}()
		case llm.StreamEventToken:
			if firstToken.IsZero() {
				firstToken = time.Now()
				h.metrics.RecordTimeToFirstToken(endpoint, firstToken.Sub(startTime).Seconds())
			}
			return writer.WriteToken(event.Content)
		}
		return nil
	}

	completion, err := h.llm.ChatStream(streamCtx, conv.Messages, h.params, callback)
	duration := time.Since(startTime).Seconds()

	switch {
	case err != nil && ctx.Err() != nil:
		span.SetStatus(codes.Error, "client disconnected")
		h.metrics.RecordClientDisconnect(endpoint)
		h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		h.metrics.RecordStreamDuration(endpoint, duration, false)
		h.logger.Info("Client disconnected mid-stream; reply not recorded", "requestId", requestID)
		return

	case err != nil && !writer.Opened():
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		h.metrics.RecordError(endpoint, providerErrorCode(err))
		h.logger.Error("Completion provider failed before streaming",
			"requestId", requestID,
			"error", err,
		)
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusInternalServerError, InternalServerErrorBody)
		return

	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		h.metrics.RecordError(endpoint, observability.ErrorCodeStreamError)
		h.metrics.RecordStreamDuration(endpoint, duration, false)
		h.logger.Error("Completion stream failed",
			"requestId", requestID,
			"error", err,
		)
		_ = writer.WriteError(sanitizeErrorForClient(err))
		return
	}

	hook := newCompletionHook(func(reply string) {
		h.recorder.RecordAssistantTurn(ctx, requestID, reply)
	})
	hook.Fire(completion.Text)

	if completion.Usage != nil {
		h.metrics.RecordTokens(completion.Usage.PromptTokens, completion.Usage.CompletionTokens, h.model)
	}
	if err := writer.WriteDone(completion.FinishReason, completion.Usage); err != nil {
		h.logger.Debug("Failed to write stream end", "requestId", requestID, "error", err)
	}

	status = "success"
	h.metrics.RecordStreamDuration(endpoint, duration, true)
	span.SetAttributes(attribute.Int("response.chars", len(completion.Text)))
	h.logger.Info("Chat turn streamed",
		"requestId", requestID,
		"messages", len(conv.Messages),
		"finish_reason", completion.FinishReason,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// readConversation decodes and normalizes the request body. The string is
// the client-facing reason when the conversation is not valid.
func (h *ChatHandler) readConversation(c *gin.Context) (datatypes.Conversation, string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return datatypes.Conversation{}, BodyTooLargeMessage
		}
		return datatypes.Conversation{}, InvalidBodyMessage
	}

	var req datatypes.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return datatypes.Conversation{}, InvalidBodyMessage
	}

	conv := datatypes.Normalize(req.Messages)
	if !conv.Valid {
		return conv, NoValidMessagesMessage
	}
	return conv, ""
}

func (h *ChatHandler) runHeartbeat(ctx context.Context, writer StreamWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}

// completionHook runs its function at most once.
type completionHook struct {
	once sync.Once
	fn   func(reply string)
}

func newCompletionHook(fn func(reply string)) *completionHook {
	return &completionHook{fn: fn}
}

// Fire runs the hook with the final reply. Later calls do nothing.
func (h *completionHook) Fire(reply string) {
	h.once.Do(func() { h.fn(reply) })
}

func providerErrorCode(err error) observability.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return observability.ErrorCodeTimeout
	}
	return observability.ErrorCodeLLMError
}

// sanitizeErrorForClient hides provider and transport details from clients.
func sanitizeErrorForClient(_ error) string {
	return streamFailedMessage
}
