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

// Package ingest buffers decoded samples per topic and drains them into
// durable storage in small batches.
package ingest

import (
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

// DefaultMaxQueueSize caps every topic buffer.
const DefaultMaxQueueSize = 100

// Queue is a set of bounded per-topic FIFO buffers. When a buffer exceeds
// its cap the oldest samples are evicted. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	buffers map[string][]store.Sample
	depth   int
}

// NewQueue creates a queue capping every topic at maxSize samples.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &Queue{
		maxSize: maxSize,
		buffers: make(map[string][]store.Sample),
	}
}

// Enqueue appends samples to the buffer of topic and returns how many of the
// oldest samples were evicted to stay within the cap.
func (q *Queue) Enqueue(topic string, samples ...store.Sample) int {
	if len(samples) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := append(q.buffers[topic], samples...)
	evicted := 0
	if over := len(buf) - q.maxSize; over > 0 {
		evicted = over
		// copy into a fresh slice so the evicted prefix can be collected
		kept := make([]store.Sample, q.maxSize, q.maxSize+1)
		copy(kept, buf[over:])
		buf = kept
	}
	q.buffers[topic] = buf
	q.depth += len(samples) - evicted
	return evicted
}

// Take removes and returns up to n of the oldest samples of topic.
func (q *Queue) Take(topic string, n int) []store.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := q.buffers[topic]
	if len(buf) == 0 || n <= 0 {
		return nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	batch := make([]store.Sample, n)
	copy(batch, buf[:n])
	rest := buf[n:]
	if len(rest) == 0 {
		delete(q.buffers, topic)
	} else {
		q.buffers[topic] = rest
	}
	q.depth -= n
	return batch
}

// Topics lists the topics with buffered samples in lexical order.
func (q *Queue) Topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	topics := make([]string, 0, len(q.buffers))
	for t, buf := range q.buffers {
		if len(buf) > 0 {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of samples buffered for topic.
func (q *Queue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers[topic])
}

// Peek returns a copy of the buffer of topic, oldest first.
func (q *Queue) Peek(topic string) []store.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.Sample, len(q.buffers[topic]))
	copy(out, q.buffers[topic])
	return out
}

// Depth returns the number of samples buffered across all topics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Remove discards the buffer of topic and returns how many samples were lost.
func (q *Queue) Remove(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.buffers[topic])
	delete(q.buffers, topic)
	q.depth -= n
	return n
}
