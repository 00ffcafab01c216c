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

package app_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/app"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/memstore"
)

var _ = Describe("App", func() {
	var cfg *config.Config

	BeforeEach(func() {
		GinkgoT().Setenv("UMH_TELEMETRY_STORE_DRIVER", "memory")
		var err error
		cfg, err = config.Load("")
		Expect(err).NotTo(HaveOccurred())
	})

	It("maps the configuration onto pipeline options", func() {
		cfg.Ingest.BatchSize = 42
		cfg.Alerting.CriticalColor = "crimson"
		cfg.Notify.MaxRetries = 7

		opts := app.PipelineOptions(cfg)
		Expect(opts.Ingest.BatchSize).To(Equal(42))
		Expect(opts.Ingest.MaxQueueSize).To(Equal(100))
		Expect(opts.CriticalColor).To(Equal("crimson"))
		Expect(opts.Notify.MaxRetries).To(Equal(7))
		Expect(opts.BackfillSuffix).To(Equal("|backup"))
		Expect(opts.Thresholds.CacheTTL).To(Equal(30 * time.Minute))
	})

	It("maps the broker section", func() {
		cfg.Broker.QoS = 1
		bc := app.BrokerConfig(cfg.Broker, nil)
		Expect(bc.URL()).To(Equal("tcp://localhost:1883"))
		Expect(bc.QoS).To(BeEquivalentTo(1))
	})

	It("rejects unknown store drivers", func() {
		_, err := app.OpenStore(context.Background(), config.StoreConfig{Driver: "sqlite"})
		Expect(err).To(MatchError(ContainSubstring("unknown store driver")))
	})

	It("logs instead of mailing without an SMTP host", func() {
		mailer, err := app.NewMailer(config.SMTPConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(mailer.Send(context.Background(), "ops@example.com", "subject", "body")).To(Succeed())
	})

	It("runs a pipeline on the memory store", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		transport := broker.NewPassive()
		a, err := app.New(ctx, cfg, transport, metrics.NewUnregistered())
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Store).To(BeAssignableToTypeOf(&memstore.Store{}))
		Expect(a.Mirror).To(BeNil())

		Expect(a.Pipeline.Start(ctx)).To(Succeed())
		Expect(a.Pipeline.Subscribe(ctx, "plant/line1/temp")).To(Succeed())
		Expect(transport.Wants("plant/line1/temp")).To(BeTrue())

		a.Pipeline.HandleMessage("plant/line1/temp", []byte("21.5"))
		Eventually(func() float64 {
			snap, _ := a.Pipeline.GetLatestLiveMessage("plant/line1/temp")
			return snap.Value
		}).Should(Equal(21.5))

		a.Pipeline.Stop()
		Expect(a.Close(context.Background())).To(Succeed())
		Expect(a.Store.(*memstore.Store).MessagesFor("plant/line1/temp")).To(HaveLen(1))
	})
})
