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

// Package pipeline wires decoding, buffering, persistence and alerting into
// one explicitly owned context.
//
// Messages are routed to a fixed set of ordered workers by a hash of their
// base topic, so every message of a topic and of its backfill companion is
// handled by the same goroutine in arrival order. Unsubscribing sends a
// teardown command down the same path, which makes teardown atomic with
// respect to that topic's in-flight messages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/ingest"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/notify"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/payload"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/recipients"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/snapshot"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

const (
	DefaultWorkers         = 8
	DefaultWorkerQueueSize = 256

	mirrorTimeout = 500 * time.Millisecond
	storeTimeout  = 5 * time.Second
)

var (
	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrNotSubscribed is returned when unsubscribing a topic that is not subscribed.
	ErrNotSubscribed = errors.New("topic is not subscribed")
	// ErrNotRunning is returned by Start on a pipeline that was already stopped.
	ErrNotRunning = errors.New("pipeline is not running")
)

// Transport is the broker side of the pipeline.
type Transport interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Options configures a Pipeline. Store, Transport and Notify.Mailer are
// required; repositories, loggers and metrics of the sub-configs are filled
// in by New.
type Options struct {
	Transport Transport
	Store     store.Store
	// Mirror optionally publishes every live snapshot.
	Mirror snapshot.Mirror

	BackfillSuffix string
	// MaxPayloadBytes stops live payloads of this size or larger from being
	// queued and evaluated. They still update the snapshot. 0 disables it.
	MaxPayloadBytes int
	Workers         int
	WorkerQueueSize int

	Ingest        ingest.PersisterConfig
	Thresholds    threshold.ProviderConfig
	Cooldown      time.Duration
	CriticalColor string
	Recipients    recipients.Config
	Notify        notify.Config

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

type task struct {
	topic   string
	payload []byte
	// teardown is set for unsubscribe commands and closed once done
	teardown chan struct{}
}

// Pipeline is the explicit context owning every buffer, cache and state
// map of the ingestion and alerting path.
type Pipeline struct {
	transport Transport
	store     store.Store
	mirror    snapshot.Mirror

	decoder       *payload.Decoder
	snapshots     *snapshot.Store
	persister     *ingest.Persister
	reconstructor *ingest.Reconstructor
	evaluator     *threshold.Evaluator
	thresholds    *threshold.Provider
	resolver      *recipients.Resolver
	dispatcher    *notify.Dispatcher

	maxPayload int

	subsMu     sync.RWMutex
	subscribed map[string]struct{}

	workers []chan task
	runMu   sync.RWMutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cancelServices context.CancelFunc

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New builds a pipeline. Nothing runs until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline needs a store")
	}
	if opts.Transport == nil {
		return nil, errors.New("pipeline needs a transport")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.WorkerQueueSize <= 0 {
		opts.WorkerQueueSize = DefaultWorkerQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.For(logger.ComponentPipeline)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}

	ingestCfg := opts.Ingest
	ingestCfg.Messages = opts.Store
	ingestCfg.Archive = opts.Store
	if ingestCfg.Logger == nil {
		ingestCfg.Logger = opts.Logger.Named(logger.ComponentPersister)
	}
	ingestCfg.Metrics = opts.Metrics
	persister, err := ingest.NewPersister(ingestCfg)
	if err != nil {
		return nil, err
	}

	thresholdCfg := opts.Thresholds
	thresholdCfg.Repository = opts.Store
	if thresholdCfg.Logger == nil {
		thresholdCfg.Logger = opts.Logger.Named(logger.ComponentThresholds)
	}
	thresholdCfg.Metrics = opts.Metrics
	provider, err := threshold.NewProvider(thresholdCfg)
	if err != nil {
		return nil, err
	}

	recipientCfg := opts.Recipients
	recipientCfg.Directories = []store.Directory{opts.Store.Operators(), opts.Store.Supervisors()}
	if recipientCfg.Logger == nil {
		recipientCfg.Logger = opts.Logger.Named(logger.ComponentRecipients)
	}
	recipientCfg.Metrics = opts.Metrics

	notifyCfg := opts.Notify
	if notifyCfg.Logger == nil {
		notifyCfg.Logger = opts.Logger.Named(logger.ComponentDispatcher)
	}
	notifyCfg.Metrics = opts.Metrics
	dispatcher, err := notify.New(notifyCfg)
	if err != nil {
		return nil, err
	}

	evalOpts := []threshold.EvaluatorOption{threshold.WithCriticalColor(opts.CriticalColor)}
	if opts.Cooldown > 0 {
		evalOpts = append(evalOpts, threshold.WithCooldown(opts.Cooldown))
	}

	p := &Pipeline{
		transport:     opts.Transport,
		store:         opts.Store,
		mirror:        opts.Mirror,
		decoder:       payload.NewDecoder(opts.BackfillSuffix),
		snapshots:     snapshot.NewStore(),
		persister:     persister,
		reconstructor: ingest.NewReconstructor(persister),
		evaluator:     threshold.NewEvaluator(evalOpts...),
		thresholds:    provider,
		resolver:      recipients.New(recipientCfg),
		dispatcher:    dispatcher,
		maxPayload:    opts.MaxPayloadBytes,
		subscribed:    make(map[string]struct{}),
		workers:       make([]chan task, opts.Workers),
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
	for i := range p.workers {
		p.workers[i] = make(chan task, opts.WorkerQueueSize)
	}
	return p, nil
}

// Start launches the workers, the drain loop, the threshold cache flush and
// the notification dispatcher. They run until Stop or until ctx ends.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stopped {
		return ErrNotRunning
	}
	if p.running {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	// services outlive the workers on Stop so the final drain sees every sample
	var svcCtx context.Context
	svcCtx, p.cancelServices = context.WithCancel(ctx)
	p.running = true

	for _, ch := range p.workers {
		p.wg.Add(1)
		go p.work(ch)
	}
	p.persister.Start(svcCtx)
	p.thresholds.Start(svcCtx)
	p.dispatcher.Start(svcCtx)
	p.logger.Infof("Pipeline started with %d workers", len(p.workers))
	return nil
}

// Stop stops every goroutine of the pipeline and waits for them. Samples
// still buffered get one last drain; queued notifications are dropped.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.stopped = true
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.stopped = true
	p.cancel()
	p.runMu.Unlock()

	p.wg.Wait()
	p.cancelServices()
	p.persister.Wait()
	p.thresholds.Wait()
	p.dispatcher.Stop()
	p.logger.Info("Pipeline stopped")
}

// Persister exposes the ingestion buffers.
func (p *Pipeline) Persister() *ingest.Persister { return p.persister }

func (p *Pipeline) shard(topic string) chan task {
	key := p.decoder.BaseTopic(topic)
	return p.workers[xxhash.Sum64String(key)%uint64(len(p.workers))]
}

// HandleMessage accepts one broker message. It blocks while the worker of
// the topic is saturated and drops the message once the pipeline stops.
func (p *Pipeline) HandleMessage(topic string, raw []byte) {
	p.runMu.RLock()
	running, ctx := p.running, p.ctx
	p.runMu.RUnlock()
	if !running {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonStopped).Inc()
		return
	}
	if !p.wants(topic) {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnsubscribed).Inc()
		return
	}

	select {
	case p.shard(topic) <- task{topic: topic, payload: raw}:
	case <-ctx.Done():
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonStopped).Inc()
	}
}

func (p *Pipeline) work(ch <-chan task) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-ch:
			if t.teardown != nil {
				p.teardown(t.topic)
				close(t.teardown)
				continue
			}
			p.process(p.ctx, t.topic, t.payload)
		}
	}
}

// process handles one message on its topic's worker.
func (p *Pipeline) process(ctx context.Context, topic string, raw []byte) {
	// unsubscribed while waiting in the worker queue
	if !p.wants(topic) {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnsubscribed).Inc()
		return
	}
	if p.decoder.IsBackfill(topic) {
		p.processBackfill(ctx, topic, raw)
		return
	}
	p.processLive(ctx, topic, raw)
}

func (p *Pipeline) processLive(ctx context.Context, topic string, raw []byte) {
	p.metrics.MessagesReceived.WithLabelValues("live").Inc()

	value, err := payload.DecodeLive(raw)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		p.logger.Warnw("Dropping undecodable message", "topic", topic, "payload", string(raw), "error", err)
		return
	}

	snap := p.snapshots.Update(topic, value, string(raw))
	p.publishSnapshot(ctx, topic, snap)

	if p.maxPayload > 0 && len(raw) >= p.maxPayload {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonOversize).Inc()
		p.logger.Debugf("Payload of %s has %d bytes, not queued", topic, len(raw))
		return
	}

	p.persister.Enqueue(topic, store.Sample{Value: value, Timestamp: snap.Timestamp})
	p.checkThresholds(ctx, topic, value)
}

func (p *Pipeline) processBackfill(ctx context.Context, topic string, raw []byte) {
	p.metrics.MessagesReceived.WithLabelValues("backfill").Inc()

	b, err := payload.DecodeBackfill(raw)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		p.logger.Warnw("Dropping malformed backfill", "topic", topic, "payload", string(raw), "error", err)
		return
	}
	if len(b.Values) == 0 {
		return
	}

	snap := p.snapshots.Update(topic, b.Values[len(b.Values)-1], "")
	p.publishSnapshot(ctx, topic, snap)

	base := p.decoder.BaseTopic(topic)
	if !p.wants(base) {
		samples, _ := p.reconstructor.Archive(ctx, topic, b)
		p.logger.Debugf("Archived %d samples of %s, %s is not subscribed", len(samples), topic, base)
		return
	}
	samples, _ := p.reconstructor.Apply(ctx, base, topic, b)
	p.logger.Debugf("Reconstructed %d samples of %s into %s", len(samples), topic, base)
}

func (p *Pipeline) checkThresholds(ctx context.Context, topic string, value float64) {
	thresholds := p.thresholds.Thresholds(ctx, topic)
	if len(thresholds) == 0 {
		return
	}
	for _, alert := range p.evaluator.Evaluate(topic, value, thresholds) {
		p.metrics.AlertsRaised.WithLabelValues(alert.Threshold.Color).Inc()
		to := p.resolver.Resolve(ctx, topic)
		if len(to) == 0 {
			p.logger.Infof("Threshold %s/%v of %s exceeded but nobody is subscribed", alert.Threshold.Color, alert.Threshold.Value, topic)
			continue
		}
		if _, err := p.dispatcher.EnqueueAlert(ctx, to, alert); err != nil {
			p.logger.Warnf("Could not queue alert for %s: %v", topic, err)
		}
	}
}

func (p *Pipeline) publishSnapshot(ctx context.Context, topic string, snap snapshot.Snapshot) {
	if p.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := p.mirror.Publish(mctx, topic, snap); err != nil {
		p.logger.Debugf("Snapshot mirror: %v", err)
	}
}

// teardown removes every buffer, cache entry and state of topic.
func (p *Pipeline) teardown(topic string) {
	p.snapshots.Delete(topic)
	lost := p.persister.Forget(topic)
	p.evaluator.Reset(topic)
	p.thresholds.Invalidate(topic)
	p.resolver.Forget(topic)
	if p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := p.mirror.Remove(ctx, topic); err != nil {
			p.logger.Debugf("Snapshot mirror: %v", err)
		}
		cancel()
	}
	if lost > 0 {
		p.logger.Infof("Discarded %d unflushed samples of %s", lost, topic)
	}
}

func (p *Pipeline) wants(topic string) bool {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	if _, ok := p.subscribed[topic]; ok {
		return true
	}
	for filter := range p.subscribed {
		if isWildcard(filter) && matchFilter(filter, topic) {
			return true
		}
	}
	return false
}

// Subscribe subscribes topic at the broker and records it in the
// subscription registry. Subscribing twice is a no-op.
func (p *Pipeline) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if p.IsSubscribed(topic) {
		return nil
	}
	if err := p.transport.Subscribe(ctx, topic); err != nil {
		return err
	}

	p.subsMu.Lock()
	p.subscribed[topic] = struct{}{}
	n := len(p.subscribed)
	p.subsMu.Unlock()
	p.metrics.SubscribedTopics.Set(float64(n))

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := p.store.AddSubscription(sctx, topic); err != nil {
		p.logger.Warnf("Subscribed to %s but could not persist it: %v", topic, err)
	}
	return nil
}

// Unsubscribe unsubscribes topic and discards its snapshot, buffers,
// cached lookups and threshold state. Notifications already queued are
// still delivered.
func (p *Pipeline) Unsubscribe(ctx context.Context, topic string) error {
	p.subsMu.Lock()
	if _, ok := p.subscribed[topic]; !ok {
		p.subsMu.Unlock()
		return ErrNotSubscribed
	}
	delete(p.subscribed, topic)
	n := len(p.subscribed)
	p.subsMu.Unlock()
	p.metrics.SubscribedTopics.Set(float64(n))

	var errs error
	if err := p.transport.Unsubscribe(ctx, topic); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := p.runTeardown(ctx, topic); err != nil {
		errs = multierr.Append(errs, err)
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := p.store.RemoveSubscription(sctx, topic); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to remove %s from the registry: %w", topic, err))
	}
	if errs != nil {
		p.logger.Warnf("Unsubscribed from %s with errors: %v", topic, errs)
	} else {
		p.logger.Infof("Unsubscribed from %s", topic)
	}
	return errs
}

// runTeardown executes the teardown of topic on its worker, or inline when
// the workers are not running.
func (p *Pipeline) runTeardown(ctx context.Context, topic string) error {
	p.runMu.RLock()
	running, runCtx := p.running, p.ctx
	p.runMu.RUnlock()
	if !running {
		p.teardown(topic)
		return nil
	}

	done := make(chan struct{})
	select {
	case p.shard(topic) <- task{topic: topic, teardown: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		p.teardown(topic)
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return nil
	}
}

// IsSubscribed reports whether topic was subscribed (exactly, not through
// a wildcard filter).
func (p *Pipeline) IsSubscribed(topic string) bool {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	_, ok := p.subscribed[topic]
	return ok
}

// Subscriptions lists the subscribed topics in lexical order.
func (p *Pipeline) Subscriptions() []string {
	p.subsMu.RLock()
	out := make([]string, 0, len(p.subscribed))
	for t := range p.subscribed {
		out = append(out, t)
	}
	p.subsMu.RUnlock()
	sort.Strings(out)
	return out
}

// GetLatestLiveMessage returns the last value seen on topic.
func (p *Pipeline) GetLatestLiveMessage(topic string) (snapshot.Snapshot, bool) {
	return p.snapshots.Read(topic)
}

// UpdateThresholds replaces the threshold set of topic and invalidates its
// cached copy. Hysteresis state of the topic is kept.
func (p *Pipeline) UpdateThresholds(ctx context.Context, topic string, thresholds []store.Threshold) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return p.thresholds.Update(ctx, topic, thresholds)
}

// RestoreSubscriptions subscribes every topic of the subscription registry.
// It returns how many topics were restored; failures of single topics are
// combined into the error.
func (p *Pipeline) RestoreSubscriptions(ctx context.Context) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, storeTimeout)
	topics, err := p.store.ListSubscriptions(lctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	restored := 0
	var errs error
	for _, t := range topics {
		if err := p.Subscribe(ctx, t); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		restored++
	}
	p.logger.Infof("Restored %d of %d subscriptions", restored, len(topics))
	return restored, errs
}
