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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// dialTimeout bounds one shared dial of a Lazy backend.
const dialTimeout = 10 * time.Second

// ErrClosed is returned by Lazy.Get after Close.
var ErrClosed = errors.New("storage handle closed")

// OpenFunc dials a backend.
type OpenFunc[T io.Closer] func(ctx context.Context) (T, error)

// Lazy is a process-wide handle that is opened on first use.
//
// # Description
//
// The first Get dials the backend; concurrent first callers share that one
// dial through singleflight. A successful handle is reused for the life of
// the process. A failed dial is not remembered, so the next Get dials again.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lazy[T io.Closer] struct {
	name  string
	open  OpenFunc[T]
	group singleflight.Group

	mu     sync.RWMutex
	value  T
	ready  bool
	closed bool
}

// NewLazy wraps open. name identifies the backend in errors and logs.
func NewLazy[T io.Closer](name string, open OpenFunc[T]) *Lazy[T] {
	return &Lazy[T]{name: name, open: open}
}

// Get returns the shared handle, dialing it if needed.
//
// The dial is shared and bounded by dialTimeout, independent of any one
// caller. Each caller still waits no longer than its own ctx allows; a
// caller that gives up leaves the dial running for the others.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if v, ok, err := l.current(); ok || err != nil {
		return v, err
	}

	ch := l.group.DoChan(l.name, func() (any, error) {
		if v, ok, err := l.current(); ok || err != nil {
			return v, err
		}

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
		defer cancel()

		v, err := l.open(dialCtx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = v.Close()
			return nil, ErrClosed
		}
		l.value = v
		l.ready = true
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, fmt.Errorf("waiting for %s: %w", l.name, ctx.Err())
	}
}

func (l *Lazy[T]) current() (T, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var zero T
	if l.closed {
		return zero, false, ErrClosed
	}
	if l.ready {
		return l.value, true, nil
	}
	return zero, false, nil
}

// Opened reports whether the backend has been dialed.
func (l *Lazy[T]) Opened() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// Close closes the handle if it was opened. Later Gets fail with ErrClosed.
func (l *Lazy[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if !l.ready {
		return nil
	}
	l.ready = false
	return l.value.Close()
}

// LazyLogStore is a LogStore that dials its backend on first Append.
type LazyLogStore struct {
	*Lazy[LogStore]
}

// NewLazyLogStore wraps open as a LogStore.
func NewLazyLogStore(name string, open OpenFunc[LogStore]) *LazyLogStore {
	return &LazyLogStore{Lazy: NewLazy(name, open)}
}

// Append implements LogStore.
func (s *LazyLogStore) Append(ctx context.Context, record LogRecord) error {
	store, err := s.Get(ctx)
	if err != nil {
		return err
	}
	return store.Append(ctx, record)
}

// LazyCache is a Cache that dials its backend on first SetEx.
type LazyCache struct {
	*Lazy[Cache]
}

// NewLazyCache wraps open as a Cache.
func NewLazyCache(name string, open OpenFunc[Cache]) *LazyCache {
	return &LazyCache{Lazy: NewLazy(name, open)}
}

// SetEx implements Cache.
func (c *LazyCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	cache, err := c.Get(ctx)
	if err != nil {
		return err
	}
	return cache.SetEx(ctx, key, value, ttl)
}

var (
	_ LogStore = (*LazyLogStore)(nil)
	_ Cache    = (*LazyCache)(nil)
)
