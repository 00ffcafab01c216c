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

// Package memstore is an in-process implementation of store.Store. It backs
// the `memory` store driver and the tests of every package that needs a store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

// Store keeps all state in maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	messages      []store.Message
	backups       map[string][]store.Sample
	thresholds    map[string][]store.Threshold
	subscriptions map[string]struct{}

	operators   *Directory
	supervisors *Directory

	// insertErr, when set, is returned by InsertMessages and AppendBackup
	insertErr error
	// thresholdErr, when set, is returned by GetThresholds
	thresholdErr error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		backups:       make(map[string][]store.Sample),
		thresholds:    make(map[string][]store.Threshold),
		subscriptions: make(map[string]struct{}),
		operators:     NewDirectory(),
		supervisors:   NewDirectory(),
	}
}

var _ store.Store = (*Store)(nil)

// FailWrites makes every following InsertMessages/AppendBackup call return err.
// Pass nil to restore normal behavior.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

// FailThresholdReads makes every following GetThresholds call return err.
func (s *Store) FailThresholdReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholdErr = err
}

func (s *Store) InsertMessages(_ context.Context, msgs []store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *Store) AppendBackup(_ context.Context, topic string, samples []store.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.backups[topic] = append(s.backups[topic], samples...)
	return nil
}

func (s *Store) GetThresholds(_ context.Context, topic string) ([]store.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.thresholdErr != nil {
		return nil, s.thresholdErr
	}
	t, ok := s.thresholds[topic]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.Threshold, len(t))
	copy(out, t)
	return out, nil
}

func (s *Store) PutThresholds(_ context.Context, topic string, thresholds []store.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]store.Threshold, len(thresholds))
	copy(cp, thresholds)
	s.thresholds[topic] = cp
	return nil
}

func (s *Store) AddSubscription(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[topic] = struct{}{}
	return nil
}

func (s *Store) RemoveSubscription(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, topic)
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for t := range s.subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Operators() store.Directory   { return s.operators }
func (s *Store) Supervisors() store.Directory { return s.supervisors }

// OperatorDirectory and SupervisorDirectory expose the concrete directories
// so callers can register addresses.
func (s *Store) OperatorDirectory() *Directory   { return s.operators }
func (s *Store) SupervisorDirectory() *Directory { return s.supervisors }

func (s *Store) Close(context.Context) error { return nil }

// Messages returns a copy of everything written to the canonical log.
func (s *Store) Messages() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessagesFor returns the canonical log entries of one topic in insertion order.
func (s *Store) MessagesFor(topic string) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Backup returns the archive samples of a (marker-suffixed) topic.
func (s *Store) Backup(topic string) []store.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Sample, len(s.backups[topic]))
	copy(out, s.backups[topic])
	return out
}

// Directory is an in-memory user directory mapping addresses to topics.
type Directory struct {
	mu      sync.RWMutex
	entries map[string][]string // address -> topics
	queries atomic.Int64
	err     error
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string][]string)}
}

// Register records interest of address in the given topics.
func (d *Directory) Register(address string, topics ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[address] = append(d.entries[address], topics...)
}

// Fail makes every following lookup return err. Pass nil to clear.
func (d *Directory) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Queries returns how many lookups were served.
func (d *Directory) Queries() int64 {
	return d.queries.Load()
}

func (d *Directory) AddressesForTopic(_ context.Context, topic string) ([]string, error) {
	d.queries.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []string
	for addr, topics := range d.entries {
		for _, t := range topics {
			if t == topic {
				out = append(out, addr)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
