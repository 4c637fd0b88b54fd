// Copyright 2025 Fractal Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"github.com/qcarchive/fractal/pkg/log"
)

// KeyFunc builds a cache key from query parameters.
type KeyFunc func(params ...any) string

// QueryFunc loads the value from the underlying store on cache miss.
type QueryFunc[T any] func(ctx context.Context) (T, error)

// CachedQuery wraps a store query with read-through caching. A nil ICache
// degrades to calling the query directly.
type CachedQuery[T any] struct {
	cache     ICache
	keyFunc   KeyFunc
	queryFunc QueryFunc[T]
	ttl       time.Duration
	logPrefix string
}

// Option configures a CachedQuery.
type Option[T any] func(*CachedQuery[T])

// WithTTL sets the cache entry lifetime.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(cq *CachedQuery[T]) { cq.ttl = ttl }
}

// WithLogPrefix tags cache log lines with the owning repository.
func WithLogPrefix[T any](prefix string) Option[T] {
	return func(cq *CachedQuery[T]) { cq.logPrefix = prefix }
}

// NewCachedQuery creates a read-through cached query.
func NewCachedQuery[T any](cache ICache, keyFunc KeyFunc, queryFunc QueryFunc[T], opts ...Option[T]) *CachedQuery[T] {
	cq := &CachedQuery[T]{
		cache:     cache,
		keyFunc:   keyFunc,
		queryFunc: queryFunc,
		ttl:       5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

// Get returns the cached value, falling back to the query on miss or decode error.
func (cq *CachedQuery[T]) Get(ctx context.Context, params ...any) (T, error) {
	var zero T
	if cq.cache == nil {
		return cq.queryFunc(ctx)
	}

	key := cq.keyFunc(params...)
	if data, err := cq.cache.Get(ctx, key); err == nil {
		var value T
		if err := sonic.Unmarshal(data, &value); err == nil {
			return value, nil
		}
		log.Warnw("cache entry decode failed, falling back to store", "prefix", cq.logPrefix, "key", key)
	}

	value, err := cq.queryFunc(ctx)
	if err != nil {
		return zero, err
	}

	if data, err := sonic.Marshal(value); err == nil {
		if err := cq.cache.Set(ctx, key, data, cq.ttl); err != nil {
			log.Warnw("cache set failed", "prefix", cq.logPrefix, "key", key, "error", err)
		}
	}
	return value, nil
}

// Invalidate removes the cache entry for the given parameters.
func (cq *CachedQuery[T]) Invalidate(ctx context.Context, params ...any) error {
	if cq.cache == nil {
		return nil
	}
	return cq.cache.Delete(ctx, cq.keyFunc(params...))
}
