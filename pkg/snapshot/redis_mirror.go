// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Mirror publishes snapshots to a store shared with other processes.
type Mirror interface {
	Publish(ctx context.Context, topic string, snap Snapshot) error
	Remove(ctx context.Context, topic string) error
	Close() error
}

// RedisMirror writes every snapshot to `<prefix>live:<topic>` with a TTL so
// dashboards and report endpoints running elsewhere can read the last value
// without going through this process.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisMirrorConfig configures the mirror.
type RedisMirrorConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisMirror creates the client. It does not fail when Redis is
// unreachable; publishing simply returns errors until it comes back.
func NewRedisMirror(cfg RedisMirrorConfig) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      2,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})
	return &RedisMirror{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

// Key returns the Redis key of a topic.
func (m *RedisMirror) Key(topic string) string {
	return m.prefix + "live:" + topic
}

// Publish stores snap as JSON.
func (m *RedisMirror) Publish(ctx context.Context, topic string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot of %s: %w", topic, err)
	}
	if err := m.client.Set(ctx, m.Key(topic), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set for %s: %w", topic, err)
	}
	return nil
}

// Remove deletes the mirrored snapshot of topic.
func (m *RedisMirror) Remove(ctx context.Context, topic string) error {
	if err := m.client.Del(ctx, m.Key(topic)).Err(); err != nil {
		return fmt.Errorf("redis del for %s: %w", topic, err)
	}
	return nil
}

// Read fetches a mirrored snapshot. Missing keys report ok=false.
func (m *RedisMirror) Read(ctx context.Context, topic string) (Snapshot, bool, error) {
	data, err := m.client.Get(ctx, m.Key(topic)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis get for %s: %w", topic, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode snapshot of %s: %w", topic, err)
	}
	return snap, true, nil
}

// Close closes the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
