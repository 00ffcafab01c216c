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

// Package notify delivers alert notifications through a retrying FIFO.
//
// The Dispatcher is an actor: Enqueue hands jobs to an inbox channel and a
// single worker goroutine owns the queue. Every poll the worker walks the
// queue from the head:
//
//   - a job that used up its retries is dropped and logged
//   - a job that failed before and whose retry delay has not elapsed stops
//     the walk, keeping the jobs behind it in order
//   - everything else is taken and sent, all recipients of a job in parallel
//
// A job with at least one failed recipient goes back to the tail with its
// retry count incremented.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultInboxSize    = 1024
	DefaultSendTimeout  = 30 * time.Second
)

// ErrStopped is returned by Enqueue once the dispatcher has stopped.
var ErrStopped = errors.New("dispatcher stopped")

// Job is one notification to a set of recipients.
type Job struct {
	ID         uuid.UUID
	Recipients []string
	Subject    string
	Body       string
	// Retries counts failed attempts.
	Retries int
	// EnqueuedAt is refreshed on every requeue and gates the retry delay.
	EnqueuedAt time.Time
}

// Config configures a Dispatcher.
type Config struct {
	Mailer       Mailer
	MaxRetries   int
	RetryDelay   time.Duration
	PollInterval time.Duration
	// RateLimit bounds sends per second across all jobs; 0 disables it.
	RateLimit float64
	RateBurst int
	InboxSize int
	// SendTimeout bounds a single recipient delivery.
	SendTimeout time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Dispatcher is the notification actor.
type Dispatcher struct {
	mailer       Mailer
	maxRetries   int
	retryDelay   time.Duration
	pollInterval time.Duration
	sendTimeout  time.Duration
	limiter      *rate.Limiter

	inbox chan *Job
	// queue is owned by the worker goroutine
	queue []*Job

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New creates a dispatcher. Call Start to begin delivering.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Mailer == nil {
		return nil, errors.New("dispatcher needs a mailer")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentDispatcher)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		mailer:       cfg.Mailer,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		pollInterval: cfg.PollInterval,
		sendTimeout:  cfg.SendTimeout,
		limiter:      rate.NewLimiter(limit, burst),
		inbox:        make(chan *Job, cfg.InboxSize),
		stopped:      make(chan struct{}),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Enqueue appends a job to the tail of the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, recipients []string, subject, body string) (uuid.UUID, error) {
	job := &Job{
		ID:         uuid.New(),
		Recipients: append([]string(nil), recipients...),
		Subject:    subject,
		Body:       body,
		EnqueuedAt: time.Now(),
	}
	select {
	case <-d.stopped:
		return uuid.Nil, ErrStopped
	default:
	}
	select {
	case d.inbox <- job:
		d.metrics.NotificationQueue.Inc()
		return job.ID, nil
	case <-d.stopped:
		return uuid.Nil, ErrStopped
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// EnqueueAlert formats a and enqueues it for recipients.
func (d *Dispatcher) EnqueueAlert(ctx context.Context, recipients []string, a threshold.Alert) (uuid.UUID, error) {
	subject, body := FormatAlert(a)
	return d.Enqueue(ctx, recipients, subject, body)
}

// Start runs the worker until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop ends the worker and waits for it. Jobs still queued are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	defer func() {
		d.collect()
		if n := len(d.queue); n > 0 {
			d.logger.Warnf("Dispatcher stopped with %d undelivered notifications", n)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case job := <-d.inbox:
			d.queue = append(d.queue, job)
		case <-ticker.C:
			d.collect()
			d.process(ctx)
		}
	}
}

// collect moves everything waiting in the inbox to the queue.
func (d *Dispatcher) collect() {
	for {
		select {
		case job := <-d.inbox:
			d.queue = append(d.queue, job)
		default:
			return
		}
	}
}

// process runs one pass over the queue.
func (d *Dispatcher) process(ctx context.Context) {
	now := time.Now()
	var batch []*Job
	for len(d.queue) > 0 {
		head := d.queue[0]
		if head.Retries >= d.maxRetries {
			d.queue = d.queue[1:]
			d.metrics.NotificationsAbandoned.Inc()
			d.metrics.NotificationQueue.Dec()
			d.logger.Errorf("Failed to send notification %s %q to %v after %d attempts",
				head.ID, head.Subject, head.Recipients, head.Retries)
			continue
		}
		if head.Retries > 0 && now.Sub(head.EnqueuedAt) < d.retryDelay {
			break
		}
		d.queue = d.queue[1:]
		batch = append(batch, head)
	}
	if len(batch) == 0 {
		return
	}

	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, job := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.deliver(ctx, job)
		}()
	}
	wg.Wait()

	for i, job := range batch {
		if errs[i] == nil {
			d.metrics.NotificationsSent.Inc()
			d.metrics.NotificationQueue.Dec()
			continue
		}
		job.Retries++
		job.EnqueuedAt = time.Now()
		d.queue = append(d.queue, job)
		d.metrics.NotificationsRetried.Inc()
		d.logger.Warnf("Notification %s failed (attempt %d/%d): %v", job.ID, job.Retries, d.maxRetries, errs[i])
	}
}

// deliver sends job to all recipients in parallel. Every recipient is
// attempted; the first error is returned.
func (d *Dispatcher) deliver(ctx context.Context, job *Job) error {
	if len(job.Recipients) == 0 {
		d.logger.Warnf("Notification %s has no recipients, skipping", job.ID)
		return nil
	}

	var g errgroup.Group
	for _, to := range job.Recipients {
		g.Go(func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()
			if err := d.mailer.Send(sendCtx, to, job.Subject, job.Body); err != nil {
				d.logger.Debugf("Failed to send notification %s to %s: %v", job.ID, to, err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.logger.Infof("Sent notification %s to %d recipients", job.ID, len(job.Recipients))
	return nil
}
