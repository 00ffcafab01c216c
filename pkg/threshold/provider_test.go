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

package threshold_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/memstore"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

type countingRepo struct {
	*memstore.Store
	reads atomic.Int64
}

func (r *countingRepo) GetThresholds(ctx context.Context, topic string) ([]store.Threshold, error) {
	r.reads.Add(1)
	return r.Store.GetThresholds(ctx, topic)
}

var _ = Describe("Provider", func() {
	var (
		ctx  context.Context
		repo *countingRepo
		p    *threshold.Provider
		set  = []store.Threshold{{Color: "red", Value: 90, ResetValue: 80}}
	)

	newProvider := func(ttl, flush time.Duration) *threshold.Provider {
		prov, err := threshold.NewProvider(threshold.ProviderConfig{
			Repository:    repo,
			CacheTTL:      ttl,
			FlushInterval: flush,
			Logger:        zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
		return prov
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = &countingRepo{Store: memstore.New()}
		Expect(repo.PutThresholds(ctx, "plant/temp", set)).To(Succeed())
		p = newProvider(time.Hour, time.Hour)
	})

	It("serves repeated lookups from the cache", func() {
		Expect(p.Thresholds(ctx, "plant/temp")).To(Equal(set))
		Expect(p.Thresholds(ctx, "plant/temp")).To(Equal(set))
		Expect(repo.reads.Load()).To(Equal(int64(1)))
	})

	It("reloads after the TTL", func() {
		p = newProvider(50*time.Millisecond, time.Hour)
		p.Thresholds(ctx, "plant/temp")
		Eventually(func() int64 {
			p.Thresholds(ctx, "plant/temp")
			return repo.reads.Load()
		}).WithTimeout(2 * time.Second).Should(BeNumerically(">=", 2))
	})

	It("does not cache unknown topics", func() {
		Expect(p.Thresholds(ctx, "plant/unknown")).To(BeEmpty())
		Expect(p.Thresholds(ctx, "plant/unknown")).To(BeEmpty())
		Expect(repo.reads.Load()).To(Equal(int64(2)))
	})

	It("degrades to an empty set on lookup failure", func() {
		repo.FailThresholdReads(errors.New("connection reset"))
		Expect(p.Thresholds(ctx, "plant/temp")).To(BeEmpty())
	})

	It("invalidates the cached copy on update", func() {
		p.Thresholds(ctx, "plant/temp")
		updated := []store.Threshold{{Color: "red", Value: 50, ResetValue: 40}}
		Expect(p.Update(ctx, "plant/temp", updated)).To(Succeed())
		Expect(p.Thresholds(ctx, "plant/temp")).To(Equal(updated))
	})

	It("rejects a reset value above the trigger value", func() {
		err := p.Update(ctx, "plant/temp", []store.Threshold{{Color: "red", Value: 50, ResetValue: 60}})
		Expect(err).To(MatchError(threshold.ErrInvalidThreshold))
		Expect(err.Error()).To(ContainSubstring("red"))
		Expect(p.Thresholds(ctx, "plant/temp")).To(Equal(set))
	})

	It("flushes the whole cache periodically", func() {
		p = newProvider(time.Hour, 30*time.Millisecond)
		runCtx, cancel := context.WithCancel(ctx)
		DeferCleanup(func() {
			cancel()
			p.Wait()
		})
		p.Start(runCtx)

		p.Thresholds(ctx, "plant/temp")
		Eventually(func() int64 {
			p.Thresholds(ctx, "plant/temp")
			return repo.reads.Load()
		}).WithTimeout(2 * time.Second).Should(BeNumerically(">=", 2))
	})
})
