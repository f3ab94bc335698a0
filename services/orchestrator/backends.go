// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"time"

	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/services/orchestrator/storage"
)

// badgerGCInterval is how often embedded badger stores reclaim space.
const badgerGCInterval = 5 * time.Minute

// NewLogStore returns the configured durable log. Network and disk backends
// are wrapped in storage.Lazy and dialed on first append.
func NewLogStore(cfg LogStoreConfig, logger *logging.Logger) storage.LogStore {
	switch cfg.Backend {
	case BackendPostgres:
		pg := storage.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
		}
		return storage.NewLazyLogStore(BackendPostgres, func(ctx context.Context) (storage.LogStore, error) {
			store, err := storage.OpenPostgres(ctx, pg)
			if err != nil {
				return nil, err
			}
			logger.Info("Connected to chat log", "backend", BackendPostgres, "host", cfg.Host, "database", cfg.Database)
			return store, nil
		})

	case BackendSQLite:
		return storage.NewLazyLogStore(BackendSQLite, func(ctx context.Context) (storage.LogStore, error) {
			store, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			logger.Info("Opened chat log", "backend", BackendSQLite, "path", cfg.SQLitePath)
			return store, nil
		})

	case BackendBadger:
		return storage.NewLazyLogStore(BackendBadger, func(context.Context) (storage.LogStore, error) {
			store, err := storage.OpenBadgerLogStore(storage.BadgerConfig{
				Dir:        cfg.BadgerDir,
				SyncWrites: true,
				GCInterval: badgerGCInterval,
				Logger:     logger.Slog(),
			})
			if err != nil {
				return nil, err
			}
			logger.Info("Opened chat log", "backend", BackendBadger, "dir", cfg.BadgerDir)
			return store, nil
		})

	default:
		logger.Warn("Chat log disabled; turns will not be persisted")
		return storage.DisabledLogStore{}
	}
}

// NewCache returns the configured reply cache, dialed on first write.
func NewCache(cfg CacheConfig, logger *logging.Logger) storage.Cache {
	switch cfg.Backend {
	case BackendRedis:
		return storage.NewLazyCache(BackendRedis, func(ctx context.Context) (storage.Cache, error) {
			cache, err := storage.OpenRedis(ctx, cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			logger.Info("Connected to reply cache", "backend", BackendRedis)
			return cache, nil
		})

	case BackendBadger:
		return storage.NewLazyCache(BackendBadger, func(context.Context) (storage.Cache, error) {
			cache, err := storage.OpenBadgerCache(storage.BadgerConfig{
				Dir:        cfg.BadgerDir,
				GCInterval: badgerGCInterval,
				Logger:     logger.Slog(),
			})
			if err != nil {
				return nil, err
			}
			logger.Info("Opened reply cache", "backend", BackendBadger, "dir", cfg.BadgerDir)
			return cache, nil
		})

	default:
		return storage.DisabledCache{}
	}
}

// OpenSQLLogStore opens the configured SQL log directly, for the migrate
// command. ok is false for non-SQL backends.
func OpenSQLLogStore(ctx context.Context, cfg LogStoreConfig) (store *storage.SQLLogStore, ok bool, err error) {
	switch cfg.Backend {
	case BackendPostgres:
		store, err = storage.OpenPostgres(ctx, storage.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
		})
		return store, true, err
	case BackendSQLite:
		store, err = storage.OpenSQLite(ctx, cfg.SQLitePath)
		return store, true, err
	default:
		return nil, false, nil
	}
}
