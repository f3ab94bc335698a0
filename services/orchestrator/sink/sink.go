// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink performs the best-effort side effects of a chat turn.
//
// A turn produces up to three writes: the user turn in the durable log, the
// assistant turn in the durable log, and the assistant reply in the cache.
// Each write is isolated. A failure is logged as a warning and counted, and
// never reaches the caller or the other writes. Nothing is retried.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/AleutianAI/chatrelay/services/orchestrator/observability"
	"github.com/AleutianAI/chatrelay/services/orchestrator/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds each individual write.
	DefaultTimeout = 5 * time.Second

	// DefaultCacheTTL is the expiry of cached replies.
	DefaultCacheTTL = 3600 * time.Second
)

// Config configures a Sink. Nil stores disable the corresponding writes.
type Config struct {
	LogStore storage.LogStore
	Cache    storage.Cache
	Logger   *logging.Logger
	Metrics  *observability.RelayMetrics

	// Timeout bounds each write. Zero means DefaultTimeout.
	Timeout time.Duration

	// CacheTTL is the expiry of cached replies. Zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Sink writes chat turns to the log and cache.
//
// # Thread Safety
//
// Safe for concurrent use. Sink holds no per-request state.
type Sink struct {
	logs     storage.LogStore
	cache    storage.Cache
	logger   *logging.Logger
	metrics  *observability.RelayMetrics
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	// mu orders pending.Add against the start of draining.
	mu       sync.Mutex
	draining bool
	pending  sync.WaitGroup
}

// New creates a Sink.
func New(cfg Config) *Sink {
	s := &Sink{
		logs:     cfg.LogStore,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		timeout:  cfg.Timeout,
		cacheTTL: cfg.CacheTTL,
		now:      cfg.Now,
	}
	if s.logs == nil {
		s.logs = storage.DisabledLogStore{}
	}
	if s.cache == nil {
		s.cache = storage.DisabledCache{}
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RecordUserTurn appends the user turn to the durable log.
//
// # Description
//
// Runs synchronously so the write is attempted before the provider is
// called, but the write is detached from ctx cancellation and bounded by the
// sink timeout. Failures are logged and swallowed.
//
// # Inputs
//
//   - ctx: Request context. Only its values are used.
//   - requestID: Correlates the warning with the request.
//   - content: Sanitized content of the last conversation entry.
func (s *Sink) RecordUserTurn(ctx context.Context, requestID, content string) {
	s.write(context.WithoutCancel(ctx), requestID, observability.WriteUserLog, func(ctx context.Context) error {
		return s.logs.Append(ctx, storage.LogRecord{
			Content:   content,
			Role:      datatypes.RoleUser,
			CreatedAt: s.now(),
		})
	})
}

// RecordAssistantTurn logs and caches a completed reply in the background.
//
// # Description
//
// Returns immediately. A detached goroutine appends the assistant turn to
// the durable log and caches the reply under "chat_response:<unix millis>",
// concurrently and independently. Use Wait to block until all background
// writes have finished. Turns recorded after Wait or Close has started are
// dropped with a warning.
//
// # Inputs
//
//   - ctx: Request context. Only its values are used.
//   - requestID: Correlates warnings with the request.
//   - reply: The fully assembled reply text.
func (s *Sink) RecordAssistantTurn(ctx context.Context, requestID, reply string) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		s.logger.Warn("Sink is draining; assistant turn dropped", "requestId", requestID)
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.pending.Done()

		now := s.now()
		var g errgroup.Group
		g.Go(func() error {
			s.write(detached, requestID, observability.WriteAssistantLog, func(ctx context.Context) error {
				return s.logs.Append(ctx, storage.LogRecord{
					Content:   reply,
					Role:      datatypes.RoleAssistant,
					CreatedAt: now,
				})
			})
			return nil
		})
		g.Go(func() error {
			s.write(detached, requestID, observability.WriteCache, func(ctx context.Context) error {
				return s.cache.SetEx(ctx, storage.CacheKey(now), reply, s.cacheTTL)
			})
			return nil
		})
		_ = g.Wait()
	}()
}

// write runs one isolated side effect. Panics are contained as well as
// errors.
func (s *Sink) write(ctx context.Context, requestID string, name observability.Write, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		return fn(ctx)
	}()
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		s.metrics.RecordSideEffect(name, observability.WriteSucceeded, elapsed)
	case errors.Is(err, storage.ErrBackendDisabled):
		s.metrics.RecordSideEffect(name, observability.WriteDisabled, elapsed)
	default:
		s.metrics.RecordSideEffect(name, observability.WriteFailed, elapsed)
		s.logger.Warn("Side-effect write failed",
			"write", string(name),
			"error", err,
			"requestId", requestID,
		)
	}
}

// Wait stops accepting assistant turns and blocks until all background
// writes finish or ctx is done.
func (s *Sink) Wait(ctx context.Context) error {
	s.stopAccepting()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the log store and cache. Call Wait first.
func (s *Sink) Close() error {
	s.stopAccepting()
	return errors.Join(s.logs.Close(), s.cache.Close())
}

func (s *Sink) stopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}
