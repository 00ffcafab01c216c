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

// Package metrics holds the Prometheus collectors of the telemetry pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "umh_telemetry"

// Queue label values.
const (
	QueueCanonical = "canonical"
	QueueArchive   = "archive"
)

// Drop reasons.
const (
	ReasonDecode       = "decode"
	ReasonOversize     = "oversize"
	ReasonUnsubscribed = "unsubscribed"
	ReasonStopped      = "stopped"
)

// Metrics bundles every collector. Create one per registry.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	SamplesQueued    *prometheus.CounterVec
	SamplesEvicted   *prometheus.CounterVec
	SamplesPersisted *prometheus.CounterVec
	PersistFailures  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	DrainsSkipped    prometheus.Counter
	DrainDuration    prometheus.Histogram

	AlertsRaised            *prometheus.CounterVec
	ThresholdLookupFailures prometheus.Counter
	RecipientLookups        *prometheus.CounterVec

	NotificationsSent      prometheus.Counter
	NotificationsRetried   prometheus.Counter
	NotificationsAbandoned prometheus.Counter
	NotificationQueue      prometheus.Gauge

	SubscribedTopics prometheus.Gauge
	BrokerConnected  prometheus.Gauge
	ConnectionLosses prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Broker messages received, by framing (live or backfill)",
		}, []string{"framing"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Broker messages dropped before reaching a queue, by reason",
		}, []string{"reason"}),

		SamplesQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_queued_total",
			Help:      "Samples appended to an ingestion queue",
		}, []string{"queue"}),
		SamplesEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_evicted_total",
			Help:      "Samples evicted because a topic buffer was full",
		}, []string{"queue"}),
		SamplesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_persisted_total",
			Help:      "Samples written to durable storage",
		}, []string{"queue"}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Batches lost because the durable write failed",
		}, []string{"queue"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Samples currently buffered across all topics",
		}, []string{"queue"}),
		DrainsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_skipped_total",
			Help:      "Drain cycles skipped because the previous cycle was still running",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of one drain cycle",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),

		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Threshold alerts raised, by color",
		}, []string{"color"}),
		ThresholdLookupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_lookup_failures_total",
			Help:      "Threshold reads that failed and degraded to an empty set",
		}),
		RecipientLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipient_lookups_total",
			Help:      "Recipient resolutions, by result (hit, miss, error)",
		}, []string{"result"}),

		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notification jobs delivered to every recipient",
		}),
		NotificationsRetried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_retried_total",
			Help:      "Notification jobs requeued after a failed attempt",
		}),
		NotificationsAbandoned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_abandoned_total",
			Help:      "Notification jobs dropped after exhausting their retries",
		}),
		NotificationQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_length",
			Help:      "Jobs waiting in the notification dispatcher",
		}),

		SubscribedTopics: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_topics",
			Help:      "Topics currently subscribed",
		}),
		BrokerConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is up",
		}),
		ConnectionLosses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connection_losses_total",
			Help:      "Broker connections lost",
		}),
	}
}

// NewUnregistered returns collectors attached to a private registry. Used
// where no process registry is available, for instance in tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
