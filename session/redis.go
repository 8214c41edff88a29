/*
Copyright 2024 Gravitational, Inc.

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

package session

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "portal:session:default"

// RedisStore keeps the session in a Redis hash, one field per slot. It lets
// several client processes share one session.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKey sets the hash key the session lives under.
func WithRedisKey(key string) RedisOption {
	return func(s *RedisStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithRedisTTL makes the stored session expire on its own after ttl.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, key: defaultRedisKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read session from redis")
	}
	if len(fields) == 0 {
		return nil, notFound()
	}

	sess := &Session{
		AccessToken:  fields[AccessTokenSlot],
		RefreshToken: fields[RefreshTokenSlot],
	}
	if err := sess.Check(); err != nil {
		if err := s.Clear(ctx); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, notFound()
	}
	if raw := fields[ExpiresAtSlot]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, trace.Wrap(err, "malformed %v field", ExpiresAtSlot)
		}
		sess.ExpiresAt = t
	}
	return sess, nil
}

// Put implements Store. The old hash is replaced inside a MULTI/EXEC block.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	if err := sess.Check(); err != nil {
		return trace.Wrap(err)
	}
	expiresAt := ""
	if !sess.ExpiresAt.IsZero() {
		expiresAt = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key,
			AccessTokenSlot, sess.AccessToken,
			RefreshTokenSlot, sess.RefreshToken,
			ExpiresAtSlot, expiresAt,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return trace.ConnectionProblem(err, "failed to store session in redis")
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return trace.ConnectionProblem(err, "failed to delete session from redis")
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}
