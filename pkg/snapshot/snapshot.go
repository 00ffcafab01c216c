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

// Package snapshot keeps the last known value per topic.
package snapshot

import (
	"sync"
	"time"
)

// Snapshot is the last observation of a topic.
type Snapshot struct {
	Value     float64   `json:"value"`
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store maps topics to their latest snapshot. It keeps no history.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Snapshot
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]Snapshot),
		now:     time.Now,
	}
}

// Update overwrites the snapshot of topic with value observed now and
// returns the stored snapshot.
func (s *Store) Update(topic string, value float64, raw string) Snapshot {
	snap := Snapshot{Value: value, Raw: raw, Timestamp: s.now()}
	s.mu.Lock()
	s.entries[topic] = snap
	s.mu.Unlock()
	return snap
}

// Read returns the snapshot of topic, if any.
func (s *Store) Read(topic string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.entries[topic]
	return snap, ok
}

// Delete forgets topic.
func (s *Store) Delete(topic string) {
	s.mu.Lock()
	delete(s.entries, topic)
	s.mu.Unlock()
}

// Len returns the number of topics with a snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
