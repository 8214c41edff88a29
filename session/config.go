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
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

const (
	// KindDisk stores every slot in its own file (diskv).
	KindDisk = "disk"
	// KindFile stores the session in one JSON file.
	KindFile = "file"
	// KindRedis stores the session in a Redis hash.
	KindRedis = "redis"
	// KindMemory keeps the session for the lifetime of the process only.
	KindMemory = "memory"
)

// StorageConfig represents the [storage] section of the configuration.
type StorageConfig struct {
	Kind          string `toml:"kind"`
	Dir           string `toml:"dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
	// RedisTTL expires an abandoned session; zero keeps it until logout.
	RedisTTL time.Duration `toml:"redis_ttl"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StorageConfig) CheckAndSetDefaults() error {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = KindDisk
	}
	switch c.Kind {
	case KindDisk, KindFile:
		if c.Dir == "" {
			return trace.BadParameter("storage `dir` is required for %q storage", c.Kind)
		}
	case KindRedis:
		if c.RedisAddr == "" {
			return trace.BadParameter("storage `redis_addr` is required for %q storage", c.Kind)
		}
	case KindMemory:
	default:
		return trace.BadParameter("unsupported storage kind %q", c.Kind)
	}
	if c.RedisTTL < 0 {
		return trace.BadParameter("storage `redis_ttl` must not be negative")
	}
	return nil
}

// NewStore builds the store described by the config.
func NewStore(c StorageConfig) (Store, error) {
	if err := c.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch c.Kind {
	case KindDisk:
		store, err := NewDiskvStore(filepath.Join(c.Dir, "session"))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return store, nil
	case KindFile:
		store, err := NewFileStore(filepath.Join(c.Dir, "session.json"))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return store, nil
	case KindRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		return NewRedisStore(client, WithRedisKey(c.RedisKey), WithRedisTTL(c.RedisTTL)), nil
	default:
		return NewMemoryStore(), nil
	}
}
