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
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/chatrelay/services/orchestrator/middleware"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/AleutianAI/chatrelay/services/orchestrator/sink"
	"github.com/AleutianAI/chatrelay/services/orchestrator/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// callOrder records the order in which the handler reaches its collaborators.
type callOrder struct {
	mu     sync.Mutex
	events []string
}

func (o *callOrder) add(event string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *callOrder) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

// fakeStreamer is a scripted llm.ChatStreamer.
type fakeStreamer struct {
	order      *callOrder
	tokens     []string
	openErr    error
	midErr     error
	usage      *datatypes.TokenUsage
	afterOpen  func()
	tokenDelay time.Duration

	mu    sync.Mutex
	calls int
	got   [][]datatypes.Message
}

func (f *fakeStreamer) ChatStream(ctx context.Context, messages []datatypes.Message,
	_ llm.GenerationParams, callback llm.StreamCallback) (*llm.Completion, error) {
	f.order.add("provider")
	f.mu.Lock()
	f.calls++
	f.got = append(f.got, messages)
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	if err := callback(llm.StreamEvent{Type: llm.StreamEventOpen}); err != nil {
		return nil, err
	}
	if f.afterOpen != nil {
		f.afterOpen()
	}

	var text strings.Builder
	for _, token := range f.tokens {
		if f.tokenDelay > 0 {
			select {
			case <-time.After(f.tokenDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return nil, err
		}
		text.WriteString(token)
	}
	if f.midErr != nil {
		return nil, f.midErr
	}
	return &llm.Completion{Text: text.String(), FinishReason: "stop", Usage: f.usage}, nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRecorder captures turns handed to the side-effect sink.
type fakeRecorder struct {
	order      *callOrder
	mu         sync.Mutex
	users      []string
	assistants []string
}

func (r *fakeRecorder) RecordUserTurn(_ context.Context, _ string, content string) {
	r.order.add("user_log")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, content)
}

func (r *fakeRecorder) RecordAssistantTurn(_ context.Context, _ string, reply string) {
	r.order.add("assistant_log")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistants = append(r.assistants, reply)
}

func (r *fakeRecorder) snapshot() (users, assistants []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...), append([]string(nil), r.assistants...)
}

type harness struct {
	router   *gin.Engine
	streamer *fakeStreamer
	recorder TurnRecorder
	metrics  *observability.RelayMetrics
}

func newHarness(t *testing.T, streamer *fakeStreamer, recorder TurnRecorder) harness {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	handler := NewChatHandler(ChatHandlerConfig{
		LLM:       streamer,
		Recorder:  recorder,
		Model:     "test/model",
		Logger:    logging.New(logging.Config{Quiet: true}),
		Metrics:   metrics,
		Heartbeat: 5 * time.Millisecond,
	})

	router := gin.New()
	router.Use(middleware.RequestID())
	router.POST("/api/chat", handler.HandleChat)
	return harness{router: router, streamer: streamer, recorder: recorder, metrics: metrics}
}

func (h harness) post(t *testing.T, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return h.postWithContext(t, context.Background(), target, body, headers)
}

func (h harness) postWithContext(t *testing.T, ctx context.Context, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

const helloBody = `{"messages":[{"content":"Hello","role":"user"}]}`

// =============================================================================
// Success path
// =============================================================================

func TestHandleChat_DataStream(t *testing.T) {
	recorder := &fakeRecorder{}
	h := newHarness(t, &fakeStreamer{
		tokens: []string{"Hi", " there", "!"},
		usage:  &datatypes.TokenUsage{PromptTokens: 5, CompletionTokens: 3},
	}, recorder)

	w := h.post(t, "/api/chat", helloBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v1", w.Header().Get(DataStreamHeader))
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSuffix(w.Body.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], `f:{"messageId":"msg-`), lines[0])
	assert.Equal(t, `0:"Hi"`, lines[1])
	assert.Equal(t, `0:" there"`, lines[2])
	assert.Equal(t, `0:"!"`, lines[3])
	assert.Equal(t, `e:{"finishReason":"stop","usage":{"promptTokens":5,"completionTokens":3},"isContinued":false}`, lines[4])
	assert.Equal(t, `d:{"finishReason":"stop","usage":{"promptTokens":5,"completionTokens":3}}`, lines[5])

	users, assistants := recorder.snapshot()
	assert.Equal(t, []string{"Hello"}, users)
	assert.Equal(t, []string{"Hi there!"}, assistants)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("chat", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.TokensTotal.WithLabelValues("output", "test/model")))
}

func TestHandleChat_SendsWholeNormalizedConversation(t *testing.T) {
	streamer := &fakeStreamer{tokens: []string{"ok"}}
	recorder := &fakeRecorder{}
	h := newHarness(t, streamer, recorder)

	body := `{"messages":[
		{"content":"be terse","role":"system"},
		{"content":"   ","role":"user"},
		{"content":"<b>hi</b> <script>bad()</script> there","role":"admin","id":"m1"}
	]}`
	w := h.post(t, "/api/chat", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, streamer.callCount())
	assert.Equal(t, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "be terse"},
		{ID: "m1", Role: datatypes.RoleUser, Content: "hi  there"},
	}, streamer.got[0])

	users, _ := recorder.snapshot()
	assert.Equal(t, []string{"hi  there"}, users)
}

func TestHandleChat_LastEntryLoggedAsUserTurnWhateverRole(t *testing.T) {
	recorder := &fakeRecorder{}
	h := newHarness(t, &fakeStreamer{tokens: []string{"ok"}}, recorder)

	w := h.post(t, "/api/chat", `{"messages":[{"content":"q","role":"user"},{"content":"earlier answer","role":"assistant"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	users, _ := recorder.snapshot()
	assert.Equal(t, []string{"earlier answer"}, users)
}

func TestHandleChat_SSE(t *testing.T) {
	h := newHarness(t, &fakeStreamer{tokens: []string{"Hel", "lo"}}, &fakeRecorder{})

	for name, opts := range map[string]struct {
		target  string
		headers map[string]string
	}{
		"accept header": {"/api/chat", map[string]string{"Accept": "text/event-stream"}},
		"query":         {"/api/chat?format=sse", nil},
	} {
		t.Run(name, func(t *testing.T) {
			w := h.post(t, opts.target, helloBody, opts.headers)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
			body := w.Body.String()
			assert.Contains(t, body, "event: start\n")
			assert.Contains(t, body, `"message_id":"msg-`)
			assert.Contains(t, body, "event: token\n")
			assert.Contains(t, body, `"content":"Hel"`)
			assert.Contains(t, body, "event: done\n")
			assert.Less(t, strings.Index(body, "event: start"), strings.Index(body, "event: done"))
		})
	}
}

func TestHandleChat_SSEHeartbeat(t *testing.T) {
	h := newHarness(t, &fakeStreamer{tokens: []string{"slow"}, tokenDelay: 50 * time.Millisecond}, &fakeRecorder{})

	w := h.post(t, "/api/chat?format=sse", helloBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ": ping\n\n")
	assert.Greater(t, testutil.ToFloat64(h.metrics.KeepAlivesTotal.WithLabelValues("chat")), 0.0)
}

func TestHandleChat_PlainText(t *testing.T) {
	h := newHarness(t, &fakeStreamer{tokens: []string{"Hello", ", ", "world"}}, &fakeRecorder{})

	w := h.post(t, "/api/chat?format=text", helloBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello, world", w.Body.String())
	assert.Empty(t, w.Header().Get(DataStreamHeader))
}

// =============================================================================
// Rejections
// =============================================================================

func TestHandleChat_InvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty array", `{"messages":[]}`, NoValidMessagesMessage},
		{"missing", `{}`, NoValidMessagesMessage},
		{"not an array", `{"messages":"hello"}`, NoValidMessagesMessage},
		{"null", `{"messages":null}`, NoValidMessagesMessage},
		{"all dropped", `{"messages":[{"content":"<p> </p>","role":"user"}]}`, NoValidMessagesMessage},
		{"not json", `not json`, InvalidBodyMessage},
		{"top-level array", `[{"content":"hi","role":"user"}]`, InvalidBodyMessage},
		{"empty body", ``, InvalidBodyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &fakeStreamer{tokens: []string{"never"}}
			recorder := &fakeRecorder{}
			h := newHarness(t, streamer, recorder)

			w := h.post(t, "/api/chat", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.want, w.Body.String())
			assert.Zero(t, streamer.callCount(), "provider must not be contacted")
			users, assistants := recorder.snapshot()
			assert.Empty(t, users)
			assert.Empty(t, assistants)
		})
	}
}

func TestHandleChat_BodyTooLarge(t *testing.T) {
	streamer := &fakeStreamer{}
	h := newHarness(t, streamer, &fakeRecorder{})

	huge := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", datatypes.MaxRequestBodyBytes) + `"}]}`
	w := h.post(t, "/api/chat", huge, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, BodyTooLargeMessage, w.Body.String())
	assert.Zero(t, streamer.callCount())
}

// =============================================================================
// Failures
// =============================================================================

func TestHandleChat_ProviderFailsBeforeStream(t *testing.T) {
	recorder := &fakeRecorder{}
	h := newHarness(t, &fakeStreamer{openErr: errors.New("401 No auth credentials found")}, recorder)

	w := h.post(t, "/api/chat", helloBody, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal Server Error", w.Body.String())
	assert.Empty(t, w.Header().Get(DataStreamHeader))

	users, assistants := recorder.snapshot()
	assert.Equal(t, []string{"Hello"}, users, "user turn is logged before the provider call")
	assert.Empty(t, assistants)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ErrorsTotal.WithLabelValues("chat", "llm_error")))
}

func TestHandleChat_ProviderTimeoutBeforeStream(t *testing.T) {
	h := newHarness(t, &fakeStreamer{openErr: context.DeadlineExceeded}, &fakeRecorder{})

	w := h.post(t, "/api/chat", helloBody, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ErrorsTotal.WithLabelValues("chat", "timeout")))
}

func TestHandleChat_ProviderFailsMidStream(t *testing.T) {
	recorder := &fakeRecorder{}
	h := newHarness(t, &fakeStreamer{
		tokens: []string{"partial"},
		midErr: errors.New("upstream connection reset by 10.0.0.7"),
	}, recorder)

	w := h.post(t, "/api/chat", helloBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `0:"partial"`)
	assert.Contains(t, body, `3:"An error occurred while processing your request"`)
	assert.NotContains(t, body, "10.0.0.7")
	assert.NotContains(t, body, "d:")

	_, assistants := recorder.snapshot()
	assert.Empty(t, assistants, "incomplete replies are not recorded")
}

func TestHandleChat_ClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := &fakeRecorder{}
	h := newHarness(t, &fakeStreamer{
		tokens:    []string{"never", "sent"},
		afterOpen: cancel,
	}, recorder)

	w := h.postWithContext(t, ctx, "/api/chat", helloBody, nil)

	assert.Equal(t, http.StatusOK, w.Code, "headers were committed when the stream opened")
	assert.NotContains(t, w.Body.String(), "never")

	users, assistants := recorder.snapshot()
	assert.Equal(t, []string{"Hello"}, users)
	assert.Empty(t, assistants, "hook must not fire for an aborted reply")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ClientDisconnectsTotal.WithLabelValues("chat")))
}

func TestHandleChat_UserTurnLoggedBeforeProviderCall(t *testing.T) {
	order := &callOrder{}
	streamer := &fakeStreamer{order: order, tokens: []string{"Hi", "!"}}
	recorder := &fakeRecorder{order: order}
	h := newHarness(t, streamer, recorder)

	w := h.post(t, "/api/chat", helloBody, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user_log", "provider", "assistant_log"}, order.snapshot())
}

func TestHandleChat_UserTurnLoggedEvenWhenProviderFails(t *testing.T) {
	order := &callOrder{}
	streamer := &fakeStreamer{order: order, openErr: errors.New("upstream 503")}
	recorder := &fakeRecorder{order: order}
	h := newHarness(t, streamer, recorder)

	w := h.post(t, "/api/chat", helloBody, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []string{"user_log", "provider"}, order.snapshot())
}

// =============================================================================
// Side-effect isolation
// =============================================================================

type unreachableStore struct{}

func (unreachableStore) Append(context.Context, storage.LogRecord) error {
	return errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func (unreachableStore) Close() error { return nil }

func TestHandleChat_LogStoreUnreachable(t *testing.T) {
	var logs bytes.Buffer
	s := sink.New(sink.Config{
		LogStore: unreachableStore{},
		Cache:    storage.DisabledCache{},
		Logger:   logging.New(logging.Config{Level: logging.LevelWarn, Output: &logs}),
	})
	h := newHarness(t, &fakeStreamer{tokens: []string{"Hi", "!"}}, s)

	w := h.post(t, "/api/chat?format=text", helloBody, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hi!", w.Body.String())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "write=user_log")
	assert.Contains(t, logs.String(), "write=assistant_log")
}

func TestHandleChat_RecordsThroughRealSink(t *testing.T) {
	store, err := storage.OpenBadgerLogStore(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	cache, err := storage.OpenBadgerCache(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	s := sink.New(sink.Config{LogStore: store, Cache: cache, Logger: logging.New(logging.Config{Quiet: true})})
	h := newHarness(t, &fakeStreamer{tokens: []string{"Hi", " there"}}, s)

	w := h.post(t, "/api/chat", helloBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	records, err := store.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byRole := map[datatypes.Role]string{}
	for _, r := range records {
		byRole[r.Role] = r.Content
	}
	assert.Equal(t, "Hello", byRole[datatypes.RoleUser])
	assert.Equal(t, "Hi there", byRole[datatypes.RoleAssistant])
}

// =============================================================================
// Helpers
// =============================================================================

func TestCompletionHook_FiresOnce(t *testing.T) {
	var calls []string
	hook := newCompletionHook(func(reply string) { calls = append(calls, reply) })

	hook.Fire("first")
	hook.Fire("second")

	assert.Equal(t, []string{"first"}, calls)
}

func TestNewChatHandler_RequiresDependencies(t *testing.T) {
	assert.Panics(t, func() { NewChatHandler(ChatHandlerConfig{Recorder: &fakeRecorder{}}) })
	assert.Panics(t, func() { NewChatHandler(ChatHandlerConfig{LLM: &fakeStreamer{}}) })
}

func TestSanitizeErrorForClient(t *testing.T) {
	msg := sanitizeErrorForClient(errors.New("password=hunter2 at db:5432"))
	assert.NotContains(t, msg, "hunter2")
	assert.Equal(t, streamFailedMessage, msg)
}
