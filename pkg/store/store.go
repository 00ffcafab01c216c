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

// Package store defines the durable-store contract used by the telemetry pipeline.
//
// The pipeline never talks to a database directly. It writes batches of
// persisted messages, appends backfill samples to a per-topic archive, reads
// and replaces threshold sets, resolves notification addresses and keeps the
// list of subscribed topics. mongostore implements this contract against
// MongoDB, memstore keeps everything in process memory.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by topic has no matching document.
var ErrNotFound = errors.New("not found")

// Sample is a single (value, timestamp) pair.
type Sample struct {
	Value     float64   `json:"value" bson:"message"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Message is one record of the canonical time-series log.
type Message struct {
	Topic     string
	Value     float64
	Timestamp time.Time
}

// Threshold is an alert boundary for a topic. Value is the trigger value,
// ResetValue the lower bound the live value has to fall below before the
// threshold re-arms.
type Threshold struct {
	Color      string  `json:"color" bson:"color" yaml:"color"`
	Value      float64 `json:"value" bson:"value" yaml:"value"`
	ResetValue float64 `json:"resetValue" bson:"resetValue" yaml:"resetValue"`
}

// MessageWriter bulk-inserts into the canonical time-series log.
type MessageWriter interface {
	InsertMessages(ctx context.Context, msgs []Message) error
}

// ArchiveWriter appends backfill samples to the archive document of a topic,
// creating it if necessary.
type ArchiveWriter interface {
	AppendBackup(ctx context.Context, topic string, samples []Sample) error
}

// ThresholdRepository reads and replaces the threshold set of a topic.
// GetThresholds returns ErrNotFound when the topic has never been configured.
type ThresholdRepository interface {
	GetThresholds(ctx context.Context, topic string) ([]Threshold, error)
	PutThresholds(ctx context.Context, topic string, thresholds []Threshold) error
}

// Directory returns the notification addresses of everyone in one user
// directory who registered interest in a topic.
type Directory interface {
	AddressesForTopic(ctx context.Context, topic string) ([]string, error)
}

// SubscriptionRepository persists the set of subscribed topics so they can be
// restored after a restart.
type SubscriptionRepository interface {
	AddSubscription(ctx context.Context, topic string) error
	RemoveSubscription(ctx context.Context, topic string) error
	ListSubscriptions(ctx context.Context) ([]string, error)
}

// Store bundles everything the pipeline needs from durable storage.
type Store interface {
	MessageWriter
	ArchiveWriter
	ThresholdRepository
	SubscriptionRepository

	// Operators and Supervisors are the two user directories consulted for
	// alert recipients.
	Operators() Directory
	Supervisors() Directory

	Close(ctx context.Context) error
}
