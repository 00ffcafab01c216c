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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
)

func writeConfig(content string) string {
	path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	return path
}

var _ = Describe("Load", func() {
	It("applies defaults without a file", func() {
		cfg, err := config.Load("")
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Broker.Port).To(Equal(1883))
		Expect(cfg.Broker.ReconnectInterval).To(Equal(time.Second))
		Expect(cfg.Ingest.BatchSize).To(Equal(10))
		Expect(cfg.Ingest.BatchInterval).To(Equal(time.Second))
		Expect(cfg.Ingest.MaxQueueSize).To(Equal(100))
		Expect(cfg.Ingest.BackfillSuffix).To(Equal("|backup"))
		Expect(cfg.Alerting.ThresholdCooldown).To(Equal(30 * time.Second))
		Expect(cfg.Alerting.RecipientCacheTTL).To(Equal(time.Hour))
		Expect(cfg.Alerting.ThresholdCacheTTL).To(Equal(30 * time.Minute))
		Expect(cfg.Notify.MaxRetries).To(Equal(3))
		Expect(cfg.Notify.RetryDelay).To(Equal(time.Second))
		Expect(cfg.Notify.PollInterval).To(Equal(100 * time.Millisecond))
		Expect(cfg.Store.Collections.Thresholds).To(Equal("topicthresholds"))
		Expect(cfg.HTTP.Addr).To(Equal(":5000"))
	})

	It("reads a YAML file", func() {
		path := writeConfig(`
broker:
  host: broker.plant.local
  keepAlive: 15s
ingest:
  batchSize: 25
  batchInterval: 500ms
store:
  driver: memory
`)
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Broker.Host).To(Equal("broker.plant.local"))
		Expect(cfg.Broker.KeepAlive).To(Equal(15 * time.Second))
		Expect(cfg.Ingest.BatchSize).To(Equal(25))
		Expect(cfg.Ingest.BatchInterval).To(Equal(500 * time.Millisecond))
		Expect(cfg.Store.Driver).To(Equal("memory"))
	})

	It("lets the environment override the file", func() {
		GinkgoT().Setenv("UMH_TELEMETRY_BROKER_PASSWORD", "s3cret")
		GinkgoT().Setenv("UMH_TELEMETRY_INGEST_BATCHSIZE", "42")
		cfg, err := config.Load(writeConfig("ingest:\n  batchSize: 25\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Broker.Password).To(Equal("s3cret"))
		Expect(cfg.Ingest.BatchSize).To(Equal(42))
	})

	It("fails on a missing file", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "absent.yaml"))
		Expect(err).To(HaveOccurred())
	})

	It("reports every invalid setting", func() {
		_, err := config.Load(writeConfig(`
ingest:
  batchSize: 0
  backfillSuffix: ""
store:
  driver: sqlite
`))
		Expect(err).To(MatchError(ContainSubstring("ingest.batchSize")))
		Expect(err).To(MatchError(ContainSubstring("ingest.backfillSuffix")))
		Expect(err).To(MatchError(ContainSubstring("sqlite")))
	})
})
