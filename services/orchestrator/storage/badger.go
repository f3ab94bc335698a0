// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// logKeyPrefix prefixes every chat log entry in a badger log store.
const logKeyPrefix = "msg:"

// BadgerConfig configures an embedded badger database.
type BadgerConfig struct {
	// Dir holds the database files. Ignored when InMemory is true.
	Dir string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often the value log is garbage collected. Expired
	// cache entries are only reclaimed by GC. Zero disables it.
	GCInterval time.Duration

	// Logger receives badger's internal messages. Nil silences them.
	Logger *slog.Logger
}

// badgerDB is a badger handle with a background value log GC loop.
type badgerDB struct {
	db     *badger.DB
	stop   chan struct{}
	done   chan struct{}
	closed sync.Once
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func openBadger(cfg BadgerConfig) (*badgerDB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &badgerDB{db: db, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go b.runGC(cfg.GCInterval, cfg.Logger)
	} else {
		close(b.done)
	}
	return b, nil
}

func (b *badgerDB) runGC(interval time.Duration, logger *slog.Logger) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

func (b *badgerDB) Close() error {
	var err error
	b.closed.Do(func() {
		close(b.stop)
		<-b.done
		err = b.db.Close()
	})
	return err
}

// =============================================================================
// Log store
// =============================================================================

// BadgerLogStore keeps the chat log in an embedded badger database.
//
// Records are stored as JSON under "msg:<unix nanos>:<uuid>", so a prefix
// scan returns them in creation order.
type BadgerLogStore struct {
	*badgerDB
}

// OpenBadgerLogStore opens or creates a badger chat log.
func OpenBadgerLogStore(cfg BadgerConfig) (*BadgerLogStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerLogStore{badgerDB: db}, nil
}

// Append implements LogStore.
func (s *BadgerLogStore) Append(ctx context.Context, record LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%s", logKeyPrefix, record.CreatedAt.UnixNano(), uuid.NewString())

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Records returns every logged record in creation order.
func (s *BadgerLogStore) Records(ctx context.Context) ([]LogRecord, error) {
	var records []LogRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(logKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var record LogRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return fmt.Errorf("decode log record %s: %w", it.Item().Key(), err)
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// =============================================================================
// Cache
// =============================================================================

// BadgerCache is a Cache backed by badger entry TTLs.
type BadgerCache struct {
	*badgerDB
}

// OpenBadgerCache opens or creates a badger cache.
func OpenBadgerCache(cfg BadgerConfig) (*BadgerCache, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{badgerDB: db}, nil
}

// SetEx implements Cache.
func (c *BadgerCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := badger.NewEntry([]byte(key), []byte(value))
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Get returns a live cached value and its expiry. ok is false when the key
// is missing or expired.
func (c *BadgerCache) Get(key string) (value string, expiresAt time.Time, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, ok = string(raw), true
		if exp := item.ExpiresAt(); exp > 0 {
			expiresAt = time.Unix(int64(exp), 0)
		}
		return nil
	})
	return value, expiresAt, ok, err
}

var (
	_ LogStore = (*BadgerLogStore)(nil)
	_ Cache    = (*BadgerCache)(nil)
)
