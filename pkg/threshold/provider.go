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

package threshold

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

const (
	DefaultCacheTTL      = 30 * time.Minute
	DefaultFlushInterval = 2 * time.Minute

	lookupTimeout = 5 * time.Second
)

// ErrInvalidThreshold marks threshold sets rejected by Update.
var ErrInvalidThreshold = errors.New("invalid threshold")

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Repository store.ThresholdRepository
	// CacheTTL bounds how long a threshold set is served from memory.
	CacheTTL time.Duration
	// FlushInterval empties the whole cache periodically once Start is called.
	FlushInterval time.Duration
	// CacheSize bounds the number of cached topics; 0 means unbounded.
	CacheSize int

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Provider serves threshold sets from a TTL cache in front of the
// repository. Lookup failures degrade to an empty set.
type Provider struct {
	repo  store.ThresholdRepository
	cache *expirable.LRU[string, []store.Threshold]

	flushInterval time.Duration
	logger        *zap.SugaredLogger
	metrics       *metrics.Metrics

	wg sync.WaitGroup
}

// NewProvider creates a provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Repository == nil {
		return nil, errors.New("threshold provider needs a repository")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentThresholds)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Provider{
		repo:          cfg.Repository,
		cache:         expirable.NewLRU[string, []store.Threshold](cfg.CacheSize, nil, cfg.CacheTTL),
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Thresholds returns the threshold set of topic. Topics that were never
// configured and failed lookups yield nil and are not cached.
func (p *Provider) Thresholds(ctx context.Context, topic string) []store.Threshold {
	if cached, ok := p.cache.Get(topic); ok {
		return cached
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	thresholds, err := p.repo.GetThresholds(lookupCtx, topic)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		p.metrics.ThresholdLookupFailures.Inc()
		p.logger.Warnf("Error fetching thresholds for %s: %v", topic, err)
		return nil
	}
	p.cache.Add(topic, thresholds)
	return thresholds
}

// Update replaces the threshold set of topic and invalidates its cached copy.
func (p *Provider) Update(ctx context.Context, topic string, thresholds []store.Threshold) error {
	for _, t := range thresholds {
		if t.ResetValue > t.Value {
			return fmt.Errorf("%w %s: reset value %v above trigger value %v", ErrInvalidThreshold, t.Color, t.ResetValue, t.Value)
		}
	}
	if err := p.repo.PutThresholds(ctx, topic, thresholds); err != nil {
		return err
	}
	p.Invalidate(topic)
	return nil
}

// Invalidate drops the cached set of topic.
func (p *Provider) Invalidate(topic string) {
	p.cache.Remove(topic)
}

// Purge empties the cache.
func (p *Provider) Purge() {
	p.cache.Purge()
}

// Start purges the cache every FlushInterval until ctx is cancelled.
func (p *Provider) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.logger.Debugf("Flushing threshold cache (%d entries)", p.cache.Len())
				p.Purge()
			}
		}
	}()
}

// Wait blocks until the loop started by Start has returned.
func (p *Provider) Wait() {
	p.wg.Wait()
}
