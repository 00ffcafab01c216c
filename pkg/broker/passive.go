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

package broker

import (
	"context"
	"sort"
	"sync"
)

// Passive is a transport for hosts that already receive the messages by
// other means, such as a benthos input. It only keeps track of which
// topics are wanted.
type Passive struct {
	mu     sync.RWMutex
	topics map[string]struct{}
}

// NewPassive creates an empty passive transport.
func NewPassive() *Passive {
	return &Passive{topics: make(map[string]struct{})}
}

func (p *Passive) Subscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic] = struct{}{}
	return nil
}

func (p *Passive) Unsubscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, topic)
	return nil
}

// Wants reports whether topic is subscribed.
func (p *Passive) Wants(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.topics[topic]
	return ok
}

// Topics lists the subscribed topics in lexical order.
func (p *Passive) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.topics))
	for t := range p.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
