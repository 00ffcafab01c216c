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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func colors(alerts []threshold.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Threshold.Color
	}
	return out
}

var _ = Describe("Evaluator", func() {
	var (
		clock *fakeClock
		e     *threshold.Evaluator
		red   = store.Threshold{Color: "red", Value: 90, ResetValue: 80}
		amber = store.Threshold{Color: "amber", Value: 70, ResetValue: 60}
	)

	BeforeEach(func() {
		clock = &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		e = threshold.NewEvaluator(threshold.WithClock(clock.Now))
	})

	It("is a no-op without thresholds", func() {
		Expect(e.Evaluate("plant/temp", 1000, nil)).To(BeEmpty())
		Expect(e.Topics()).To(BeZero())
	})

	Context("hysteresis", func() {
		set := []store.Threshold{red}

		It("alerts once, holds during the cooldown and re-arms below the reset value", func() {
			alerts := e.Evaluate("plant/temp", 95, set)
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Critical).To(BeTrue())
			Expect(alerts[0].Value).To(Equal(95.0))

			clock.Advance(10 * time.Second)
			Expect(e.Evaluate("plant/temp", 95, set)).To(BeEmpty())
			Expect(e.Triggered("plant/temp", red)).To(BeTrue())

			clock.Advance(time.Second)
			Expect(e.Evaluate("plant/temp", 75, set)).To(BeEmpty())
			Expect(e.Triggered("plant/temp", red)).To(BeFalse())

			Expect(e.Evaluate("plant/temp", 95, set)).To(HaveLen(1))
		})

		It("stays triggered between the reset and trigger values", func() {
			e.Evaluate("plant/temp", 95, set)
			e.Evaluate("plant/temp", 85, set)
			Expect(e.Triggered("plant/temp", red)).To(BeTrue())
			Expect(e.Evaluate("plant/temp", 95, set)).To(BeEmpty())
		})

		It("repeats the alert once the cooldown has elapsed", func() {
			e.Evaluate("plant/temp", 95, set)
			clock.Advance(30 * time.Second)
			Expect(e.Evaluate("plant/temp", 96, set)).To(HaveLen(1))
		})

		It("honours a custom cooldown", func() {
			e = threshold.NewEvaluator(threshold.WithClock(clock.Now), threshold.WithCooldown(time.Minute))
			e.Evaluate("plant/temp", 95, set)
			clock.Advance(45 * time.Second)
			Expect(e.Evaluate("plant/temp", 95, set)).To(BeEmpty())
		})
	})

	Context("severity", func() {
		set := []store.Threshold{amber, red}

		It("raises only the critical alert when both are met", func() {
			Expect(colors(e.Evaluate("plant/temp", 95, set))).To(Equal([]string{"red"}))
			Expect(e.Triggered("plant/temp", amber)).To(BeFalse())
		})

		It("keeps suppressing lower thresholds while critical holds", func() {
			e.Evaluate("plant/temp", 95, set)
			clock.Advance(5 * time.Second)
			Expect(e.Evaluate("plant/temp", 94, set)).To(BeEmpty())
		})

		It("alerts the lower tier when only it is met", func() {
			Expect(colors(e.Evaluate("plant/temp", 75, set))).To(Equal([]string{"amber"}))
		})

		It("evaluates non-critical thresholds top down", func() {
			yellow := store.Threshold{Color: "yellow", Value: 50, ResetValue: 40}
			alerts := e.Evaluate("plant/temp", 75, []store.Threshold{yellow, amber})
			Expect(colors(alerts)).To(Equal([]string{"amber", "yellow"}))
		})

		It("uses the configured critical color", func() {
			e = threshold.NewEvaluator(threshold.WithClock(clock.Now), threshold.WithCriticalColor("amber"))
			alerts := e.Evaluate("plant/temp", 95, set)
			Expect(colors(alerts)).To(Equal([]string{"red", "amber"}))
			Expect(alerts[1].Critical).To(BeTrue())
		})
	})

	It("keeps topics independent and forgets them on reset", func() {
		set := []store.Threshold{red}
		e.Evaluate("a", 95, set)
		Expect(e.Evaluate("b", 95, set)).To(HaveLen(1))

		e.Reset("a")
		Expect(e.Triggered("a", red)).To(BeFalse())
		Expect(e.Evaluate("a", 95, set)).To(HaveLen(1))
	})
})
