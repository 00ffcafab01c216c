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

// Package recipients maps a topic to the notification addresses of everyone
// who registered interest in it.
package recipients

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

const (
	DefaultTTL       = time.Hour
	DefaultCacheSize = 4096

	lookupTimeout = 5 * time.Second
)

// Config configures a Resolver.
type Config struct {
	// Directories are queried concurrently; addresses keep the order of
	// the directories, duplicates removed.
	Directories []store.Directory
	TTL         time.Duration
	CacheSize   int

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Resolver resolves recipients with a TTL cache. Only non-empty results
// are cached so new subscribers are picked up on the next alert.
type Resolver struct {
	dirs    []store.Directory
	cache   *expirable.LRU[string, []string]
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentRecipients)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Resolver{
		dirs:    cfg.Directories,
		cache:   expirable.NewLRU[string, []string](cfg.CacheSize, nil, cfg.TTL),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Resolve returns the addresses interested in topic. It never fails: a
// lookup error is logged and yields an empty result. The returned slice
// must not be modified.
func (r *Resolver) Resolve(ctx context.Context, topic string) []string {
	if cached, ok := r.cache.Get(topic); ok {
		r.metrics.RecipientLookups.WithLabelValues("hit").Inc()
		return cached
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	results := make([][]string, len(r.dirs))
	g, gctx := errgroup.WithContext(lookupCtx)
	for i, dir := range r.dirs {
		g.Go(func() error {
			addrs, err := dir.AddressesForTopic(gctx, topic)
			if err != nil {
				return err
			}
			results[i] = addrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.metrics.RecipientLookups.WithLabelValues("error").Inc()
		r.logger.Warnf("Error fetching recipients for %s: %v", topic, err)
		return nil
	}
	r.metrics.RecipientLookups.WithLabelValues("miss").Inc()

	seen := make(map[string]struct{})
	var out []string
	for _, addrs := range results {
		for _, a := range addrs {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	if len(out) > 0 {
		r.cache.Add(topic, out)
	}
	return out
}

// Forget drops the cached result of topic.
func (r *Resolver) Forget(topic string) {
	r.cache.Remove(topic)
}
