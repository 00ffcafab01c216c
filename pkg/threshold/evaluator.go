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

// Package threshold decides when a live value crossing a configured
// threshold has to raise an alert.
//
// Every (topic, color, value) threshold runs its own two-state machine:
//
//	ARMED     --value >= trigger-->                       TRIGGERED (alert)
//	TRIGGERED --value >= trigger and cooldown elapsed-->  TRIGGERED (alert)
//	TRIGGERED --value < reset-->                          ARMED
//
// Thresholds of a topic are evaluated in descending trigger order. Once a
// critical threshold is met in a pass, lower non-critical thresholds that
// are also met are skipped for that pass, and a pass that raised a
// critical alert stops right there.
package threshold

import (
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

const (
	DefaultCooldown      = 30 * time.Second
	DefaultCriticalColor = "red"
)

// Alert is raised when a threshold transitions into (or repeats) TRIGGERED.
type Alert struct {
	Topic     string
	Threshold store.Threshold
	Value     float64
	Critical  bool
	At        time.Time
}

type stateKey struct {
	color string
	value float64
}

type state struct {
	triggered   bool
	lastAlertAt time.Time
}

// topicState holds the machines of one topic.
type topicState struct {
	mutex  sync.Mutex
	states map[stateKey]state
}

// Evaluator holds the hysteresis state of every topic in memory. Nothing is
// persisted; a restart starts all thresholds ARMED.
type Evaluator struct {
	mu     sync.RWMutex
	topics map[string]*topicState

	cooldown      time.Duration
	criticalColor string
	now           func() time.Time
}

// EvaluatorOption customizes an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCooldown sets the minimum time between repeated alerts of one
// continuously triggered threshold.
func WithCooldown(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.cooldown = d }
}

// WithCriticalColor sets the color of the critical tier.
func WithCriticalColor(color string) EvaluatorOption {
	return func(e *Evaluator) {
		if color != "" {
			e.criticalColor = color
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator with all topics ARMED.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		topics:        make(map[string]*topicState),
		cooldown:      DefaultCooldown,
		criticalColor: DefaultCriticalColor,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// IsCritical reports whether t belongs to the critical tier.
func (e *Evaluator) IsCritical(t store.Threshold) bool {
	return t.Color == e.criticalColor
}

func (e *Evaluator) topic(topic string) *topicState {
	e.mu.RLock()
	ts, ok := e.topics[topic]
	e.mu.RUnlock()
	if ok {
		return ts
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok = e.topics[topic]; ok {
		return ts
	}
	ts = &topicState{states: make(map[stateKey]state)}
	e.topics[topic] = ts
	return ts
}

// Evaluate runs one pass for a live value and returns the alerts it raised,
// highest threshold first. An empty threshold set is a no-op.
func (e *Evaluator) Evaluate(topic string, value float64, thresholds []store.Threshold) []Alert {
	if len(thresholds) == 0 {
		return nil
	}

	sorted := make([]store.Threshold, len(thresholds))
	copy(sorted, thresholds)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	ts := e.topic(topic)
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	now := e.now()
	criticalMet := false
	var alerts []Alert

	for _, t := range sorted {
		key := stateKey{color: t.Color, value: t.Value}
		st := ts.states[key]
		critical := e.IsCritical(t)

		if value >= t.Value {
			if critical {
				criticalMet = true
			} else if criticalMet {
				continue
			}

			if !st.triggered || now.Sub(st.lastAlertAt) >= e.cooldown {
				ts.states[key] = state{triggered: true, lastAlertAt: now}
				alerts = append(alerts, Alert{
					Topic:     topic,
					Threshold: t,
					Value:     value,
					Critical:  critical,
					At:        now,
				})
				if critical {
					break
				}
			}
		} else if value < t.ResetValue {
			delete(ts.states, key)
		}
	}
	return alerts
}

// Triggered reports whether threshold t of topic is currently TRIGGERED.
func (e *Evaluator) Triggered(topic string, t store.Threshold) bool {
	e.mu.RLock()
	ts, ok := e.topics[topic]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	return ts.states[stateKey{color: t.Color, value: t.Value}].triggered
}

// Reset drops all state of topic, re-arming its thresholds.
func (e *Evaluator) Reset(topic string) {
	e.mu.Lock()
	delete(e.topics, topic)
	e.mu.Unlock()
}

// Topics returns how many topics carry state.
func (e *Evaluator) Topics() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.topics)
}
