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
	"time"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/payload"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

// Expand turns a decoded backfill upload into one sample per value, the
// i-th stamped Start + i*Interval.
func Expand(b payload.Backfill) []store.Sample {
	samples := make([]store.Sample, len(b.Values))
	for i, v := range b.Values {
		samples[i] = store.Sample{
			Value:     v,
			Timestamp: b.Start.Add(time.Duration(i) * b.Interval),
		}
	}
	return samples
}

// Reconstructor feeds backfill uploads into the persister.
type Reconstructor struct {
	persister *Persister
}

// NewReconstructor creates a reconstructor writing through p.
func NewReconstructor(p *Persister) *Reconstructor {
	return &Reconstructor{persister: p}
}

// Apply expands b and writes every sample twice: into the canonical queue
// under baseTopic, so history merges into the live series, and into the
// archive queue under backfillTopic. One archive batch of backfillTopic is
// flushed right away, the rest follows with the regular drain. The error
// is that of the eager flush and has already been logged.
func (r *Reconstructor) Apply(ctx context.Context, baseTopic, backfillTopic string, b payload.Backfill) ([]store.Sample, error) {
	samples := Expand(b)
	if len(samples) == 0 {
		return nil, nil
	}
	r.persister.Enqueue(baseTopic, samples...)
	r.persister.EnqueueArchive(backfillTopic, samples...)
	return samples, r.persister.FlushArchive(ctx, backfillTopic)
}

// Archive is Apply without the canonical write. It serves uploads whose
// base topic is no longer subscribed, so nothing is merged into a series
// the service stopped tracking.
func (r *Reconstructor) Archive(ctx context.Context, backfillTopic string, b payload.Backfill) ([]store.Sample, error) {
	samples := Expand(b)
	if len(samples) == 0 {
		return nil, nil
	}
	r.persister.EnqueueArchive(backfillTopic, samples...)
	return samples, r.persister.FlushArchive(ctx, backfillTopic)
}
