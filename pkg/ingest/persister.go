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

package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

const (
	DefaultBatchSize     = 10
	DefaultBatchInterval = time.Second

	writeTimeout = 10 * time.Second
)

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxQueueSize  int

	Messages store.MessageWriter
	Archive  store.ArchiveWriter

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Persister owns the canonical and the archive queue and drains both into
// durable storage on a timer.
//
// Durability is best-effort: a batch whose write fails is logged and
// dropped, never requeued.
type Persister struct {
	canonical *Queue
	archive   *Queue

	messages store.MessageWriter
	archiveW store.ArchiveWriter

	batchSize int
	interval  time.Duration

	draining atomic.Bool

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewPersister creates a persister. Zero values in cfg fall back to the
// package defaults.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Messages == nil {
		return nil, fmt.Errorf("persister needs a message writer")
	}
	if cfg.Archive == nil {
		return nil, fmt.Errorf("persister needs an archive writer")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentPersister)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Persister{
		canonical: NewQueue(cfg.MaxQueueSize),
		archive:   NewQueue(cfg.MaxQueueSize),
		messages:  cfg.Messages,
		archiveW:  cfg.Archive,
		batchSize: cfg.BatchSize,
		interval:  cfg.BatchInterval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Canonical returns the queue feeding the time-series log.
func (p *Persister) Canonical() *Queue { return p.canonical }

// Archive returns the queue feeding the backfill archive.
func (p *Persister) Archive() *Queue { return p.archive }

// Enqueue buffers a sample for the canonical log of topic.
func (p *Persister) Enqueue(topic string, samples ...store.Sample) {
	p.enqueue(p.canonical, metrics.QueueCanonical, topic, samples)
}

// EnqueueArchive buffers samples for the archive document of topic.
func (p *Persister) EnqueueArchive(topic string, samples ...store.Sample) {
	p.enqueue(p.archive, metrics.QueueArchive, topic, samples)
}

func (p *Persister) enqueue(q *Queue, label, topic string, samples []store.Sample) {
	evicted := q.Enqueue(topic, samples...)
	p.metrics.SamplesQueued.WithLabelValues(label).Add(float64(len(samples)))
	if evicted > 0 {
		p.metrics.SamplesEvicted.WithLabelValues(label).Add(float64(evicted))
		p.logger.Debugf("Queue for %s full, evicted %d oldest samples", topic, evicted)
	}
	p.metrics.QueueDepth.WithLabelValues(label).Set(float64(q.Depth()))
}

// Forget discards everything buffered for the given topics in both queues.
// Unflushed samples are lost.
func (p *Persister) Forget(topics ...string) int {
	lost := 0
	for _, t := range topics {
		lost += p.canonical.Remove(t)
		lost += p.archive.Remove(t)
	}
	p.metrics.QueueDepth.WithLabelValues(metrics.QueueCanonical).Set(float64(p.canonical.Depth()))
	p.metrics.QueueDepth.WithLabelValues(metrics.QueueArchive).Set(float64(p.archive.Depth()))
	return lost
}

// Drain runs one drain cycle: for each topic with buffered samples, up to
// BatchSize of the oldest are taken and written with a single call. It
// returns false without doing anything if another cycle is still running.
// The returned error combines every failed write of the cycle; the samples
// of those writes are gone.
func (p *Persister) Drain(ctx context.Context) (bool, error) {
	if !p.draining.CompareAndSwap(false, true) {
		p.metrics.DrainsSkipped.Inc()
		return false, nil
	}
	defer p.draining.Store(false)

	start := time.Now()
	defer func() { p.metrics.DrainDuration.Observe(time.Since(start).Seconds()) }()

	var errs error
	for _, topic := range p.canonical.Topics() {
		errs = multierr.Append(errs, p.flushCanonical(ctx, topic))
	}
	for _, topic := range p.archive.Topics() {
		errs = multierr.Append(errs, p.flushArchive(ctx, topic))
	}
	return true, errs
}

// FlushArchive writes one archive batch of topic immediately.
func (p *Persister) FlushArchive(ctx context.Context, topic string) error {
	return p.flushArchive(ctx, topic)
}

func (p *Persister) flushCanonical(ctx context.Context, topic string) error {
	batch := p.canonical.Take(topic, p.batchSize)
	p.metrics.QueueDepth.WithLabelValues(metrics.QueueCanonical).Set(float64(p.canonical.Depth()))
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]store.Message, len(batch))
	for i, s := range batch {
		msgs[i] = store.Message{Topic: topic, Value: s.Value, Timestamp: s.Timestamp}
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.messages.InsertMessages(writeCtx, msgs); err != nil {
		p.metrics.PersistFailures.WithLabelValues(metrics.QueueCanonical).Inc()
		p.logger.Errorf("Error inserting batch of %d messages for %s: %v", len(msgs), topic, err)
		return fmt.Errorf("%s: %w", topic, err)
	}
	p.metrics.SamplesPersisted.WithLabelValues(metrics.QueueCanonical).Add(float64(len(msgs)))
	p.logger.Debugf("Inserted batch of %d messages for %s", len(msgs), topic)
	return nil
}

func (p *Persister) flushArchive(ctx context.Context, topic string) error {
	batch := p.archive.Take(topic, p.batchSize)
	p.metrics.QueueDepth.WithLabelValues(metrics.QueueArchive).Set(float64(p.archive.Depth()))
	if len(batch) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.archiveW.AppendBackup(writeCtx, topic, batch); err != nil {
		p.metrics.PersistFailures.WithLabelValues(metrics.QueueArchive).Inc()
		p.logger.Errorf("Error appending %d backup samples for %s: %v", len(batch), topic, err)
		return fmt.Errorf("%s: %w", topic, err)
	}
	p.metrics.SamplesPersisted.WithLabelValues(metrics.QueueArchive).Add(float64(len(batch)))
	p.logger.Debugf("Appended %d backup samples for %s", len(batch), topic)
	return nil
}

// Start drains on every tick until ctx is cancelled. A last cycle runs on
// shutdown so samples already buffered get one more chance.
func (p *Persister) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				finalCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				_, _ = p.Drain(finalCtx)
				cancel()
				return
			case <-ticker.C:
				// failures are already logged per topic
				_, _ = p.Drain(ctx)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has returned.
func (p *Persister) Wait() {
	p.wg.Wait()
}
