/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package disagg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
)

// RedisStore is the multi-process Store backend, used when the
// context-only and generation-only executors run in separate processes
// (possibly on separate hosts) and need a shared handoff point. Grounded
// on the teacher's Redis-backed index, which follows the same
// construct-with-config, wrap-every-call-in-fmt.Errorf shape used here.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig configures a RedisStore. Zero-value TTL means "never
// expire"; in production a TTL should be set so an abandoned context-only
// request's handle does not accumulate forever.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	KeyPrefix string
	TTL       time.Duration
}

// DefaultRedisStoreConfig returns the zero-value defaults: local Redis, no
// auth, key prefix "kvcache:disagg:", no expiry.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{Addr: "localhost:6379", KeyPrefix: "kvcache:disagg:"}
}

// NewRedisStore builds a RedisStore from cfg, falling back to
// DefaultRedisStoreConfig for a nil cfg.
func NewRedisStore(cfg *RedisStoreConfig) *RedisStore {
	c := DefaultRedisStoreConfig()
	if cfg != nil {
		c = *cfg
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}),
		prefix: c.KeyPrefix,
		ttl:    c.TTL,
	}
}

// NewRedisStoreWithClient builds a RedisStore around an already-constructed
// client, letting callers (and tests, against a miniredis instance) supply
// their own connection instead of going through RedisStoreConfig.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) key(requestID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, requestID)
}

func (s *RedisStore) Put(ctx context.Context, requestID int64, params request.ContextPhaseParams) error {
	b, err := msgpack.Marshal(&params)
	if err != nil {
		return fmt.Errorf("disagg: encoding handle for request %d: %w", requestID, err)
	}
	if err := s.client.Set(ctx, s.key(requestID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("disagg: storing handle for request %d: %w", requestID, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, requestID int64) (request.ContextPhaseParams, bool, error) {
	b, err := s.client.GetDel(ctx, s.key(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return request.ContextPhaseParams{}, false, nil
	}
	if err != nil {
		return request.ContextPhaseParams{}, false, fmt.Errorf("disagg: taking handle for request %d: %w", requestID, err)
	}

	var params request.ContextPhaseParams
	if err := msgpack.Unmarshal(b, &params); err != nil {
		return request.ContextPhaseParams{}, false, fmt.Errorf("disagg: decoding handle for request %d: %w", requestID, err)
	}
	return params, true, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
