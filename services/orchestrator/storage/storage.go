// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the durable chat log and the ephemeral reply cache.
//
// # Backends
//
//	Durable log (LogStore)            Ephemeral cache (Cache)
//	  postgres  database/sql + pgx      redis   go-redis
//	  sqlite    database/sql + modernc  badger  TTL entries
//	  badger    append-only KV          none    disabled
//	  none      disabled
//
// Backends are wrapped in Lazy so that the connection is created on first
// use and shared by all requests for the life of the process.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/go-playground/validator/v10"
)

// ErrBackendDisabled is returned by the "none" backends.
var ErrBackendDisabled = errors.New("storage backend disabled")

// CacheKeyPrefix prefixes every cached assistant reply.
const CacheKeyPrefix = "chat_response:"

var recordValidate = validator.New()

// LogRecord is one row of the durable chat log.
type LogRecord struct {
	Content   string         `json:"content"`
	Role      datatypes.Role `json:"role" validate:"required,oneof=user assistant"`
	CreatedAt time.Time      `json:"created_at" validate:"required"`
}

// Validate checks the record against the log schema.
func (r LogRecord) Validate() error {
	if err := recordValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid log record: %w", err)
	}
	return nil
}

// LogStore appends chat turns to the durable log.
//
// Implementations must be safe for concurrent use; concurrent appends may
// land in any order.
type LogStore interface {
	Append(ctx context.Context, record LogRecord) error
	Close() error
}

// Cache stores values with a per-entry expiry.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// CacheKey returns the cache key for a reply completed at now.
//
// Keys have millisecond resolution, so two replies completing in the same
// millisecond share a key and the later write wins.
func CacheKey(now time.Time) string {
	return fmt.Sprintf("%s%d", CacheKeyPrefix, now.UnixMilli())
}

// DisabledLogStore is the "none" log backend.
type DisabledLogStore struct{}

func (DisabledLogStore) Append(context.Context, LogRecord) error { return ErrBackendDisabled }

func (DisabledLogStore) Close() error { return nil }

// DisabledCache is the "none" cache backend.
type DisabledCache struct{}

func (DisabledCache) SetEx(context.Context, string, string, time.Duration) error {
	return ErrBackendDisabled
}

func (DisabledCache) Close() error { return nil }

var (
	_ LogStore = DisabledLogStore{}
	_ Cache    = DisabledCache{}
)
