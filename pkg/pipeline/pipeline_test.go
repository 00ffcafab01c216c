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

package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/ingest"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/notify"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/pipeline"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/memstore"
)

type sentMail struct {
	to      string
	subject string
}

type outbox struct {
	mu   sync.Mutex
	sent []sentMail
}

func (o *outbox) Send(_ context.Context, to, subject, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sentMail{to: to, subject: subject})
	return nil
}

func (o *outbox) subjects() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.sent))
	for i, s := range o.sent {
		out[i] = s.subject
	}
	return out
}

// flakyTransport wraps a passive transport and fails subscriptions of
// topics listed in reject.
type flakyTransport struct {
	*broker.Passive
	reject map[string]bool
}

func (f *flakyTransport) Subscribe(ctx context.Context, topic string) error {
	if f.reject[topic] {
		return errors.New("not authorized")
	}
	return f.Passive.Subscribe(ctx, topic)
}

var _ = Describe("Pipeline", func() {
	var (
		ctx       context.Context
		db        *memstore.Store
		transport *flakyTransport
		mail      *outbox
		m         *metrics.Metrics
		p         *pipeline.Pipeline
		opts      pipeline.Options
	)

	build := func() {
		var err error
		p, err = pipeline.New(opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Start(ctx)).To(Succeed())
		DeferCleanup(p.Stop)
	}

	BeforeEach(func() {
		ctx = context.Background()
		db = memstore.New()
		transport = &flakyTransport{Passive: broker.NewPassive(), reject: map[string]bool{}}
		mail = &outbox{}
		m = metrics.NewUnregistered()
		opts = pipeline.Options{
			Transport: transport,
			Store:     db,
			Workers:   4,
			// drains are triggered by hand
			Ingest:  ingest.PersisterConfig{BatchSize: 10, BatchInterval: time.Hour, MaxQueueSize: 100},
			Notify:  notify.Config{Mailer: mail, PollInterval: 5 * time.Millisecond, RetryDelay: 10 * time.Millisecond},
			Logger:  zaptest.NewLogger(GinkgoT()).Sugar(),
			Metrics: m,
		}
	})

	It("needs a store and a transport", func() {
		_, err := pipeline.New(pipeline.Options{Store: db})
		Expect(err).To(HaveOccurred())
		_, err = pipeline.New(pipeline.Options{Transport: transport})
		Expect(err).To(HaveOccurred())
	})

	Context("live messages", func() {
		BeforeEach(func() {
			build()
			Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())
		})

		It("updates the snapshot and queues the sample", func() {
			p.HandleMessage("plant/temp", []byte(`{"message": 21.5}`))

			Eventually(func() bool { _, ok := p.GetLatestLiveMessage("plant/temp"); return ok }).Should(BeTrue())
			snap, _ := p.GetLatestLiveMessage("plant/temp")
			Expect(snap.Value).To(Equal(21.5))
			Expect(p.Persister().Canonical().Len("plant/temp")).To(Equal(1))

			_, err := p.Persister().Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.MessagesFor("plant/temp")).To(HaveLen(1))
		})

		It("keeps arrival order per topic", func() {
			for i := 0; i < 50; i++ {
				p.HandleMessage("plant/temp", []byte{byte('0' + i%10)})
			}
			Eventually(func() int { return p.Persister().Canonical().Len("plant/temp") }).Should(Equal(50))
			queued := p.Persister().Canonical().Peek("plant/temp")
			for i, s := range queued {
				Expect(s.Value).To(Equal(float64(i % 10)))
			}
		})

		It("drops undecodable payloads", func() {
			p.HandleMessage("plant/temp", []byte("offline"))
			Eventually(func() float64 {
				return testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.ReasonDecode))
			}).Should(Equal(1.0))
			_, ok := p.GetLatestLiveMessage("plant/temp")
			Expect(ok).To(BeFalse())
		})

		It("ignores topics nobody subscribed", func() {
			p.HandleMessage("plant/other", []byte("1"))
			Consistently(func() int { return p.Persister().Canonical().Len("plant/other") }, 50*time.Millisecond).Should(BeZero())
			Expect(testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metrics.ReasonUnsubscribed))).To(Equal(1.0))
		})
	})

	It("only snapshots oversized live payloads", func() {
		opts.MaxPayloadBytes = 8
		build()
		Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())

		p.HandleMessage("plant/temp", []byte("12.5 degrees celsius"))
		Eventually(func() bool { _, ok := p.GetLatestLiveMessage("plant/temp"); return ok }).Should(BeTrue())
		Expect(p.Persister().Canonical().Len("plant/temp")).To(BeZero())
	})

	It("accepts messages matching a wildcard subscription", func() {
		build()
		Expect(p.Subscribe(ctx, "plant/+")).To(Succeed())
		p.HandleMessage("plant/temp", []byte("3"))
		Eventually(func() bool { _, ok := p.GetLatestLiveMessage("plant/temp"); return ok }).Should(BeTrue())
	})

	It("reconstructs backfill uploads into the base series and the archive", func() {
		build()
		Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())
		Expect(p.Subscribe(ctx, "plant/temp|backup")).To(Succeed())

		p.HandleMessage("plant/temp|backup", []byte(`["2024-01-01T00:00:00+05:30","60","10","20","30"]`))

		Eventually(func() int { return len(db.Backup("plant/temp|backup")) }).Should(Equal(3))
		Expect(p.Persister().Canonical().Len("plant/temp")).To(Equal(3))

		_, err := p.Persister().Drain(ctx)
		Expect(err).NotTo(HaveOccurred())
		persisted := db.MessagesFor("plant/temp")
		Expect(persisted).To(HaveLen(3))
		Expect(persisted[2].Timestamp.Sub(persisted[0].Timestamp)).To(Equal(2 * time.Minute))
	})

	Context("alerting", func() {
		BeforeEach(func() {
			db.OperatorDirectory().Register("ops@example.com", "plant/temp")
			Expect(db.PutThresholds(ctx, "plant/temp", []store.Threshold{
				{Color: "amber", Value: 70, ResetValue: 60},
				{Color: "red", Value: 90, ResetValue: 80},
			})).To(Succeed())
			build()
			Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())
		})

		It("mails only the critical alert and respects hysteresis", func() {
			p.HandleMessage("plant/temp", []byte("95"))
			Eventually(mail.subjects).Should(Equal([]string{"Danger: plant/temp Threshold Exceeded"}))

			p.HandleMessage("plant/temp", []byte("95"))
			Consistently(mail.subjects, 100*time.Millisecond).Should(HaveLen(1))

			p.HandleMessage("plant/temp", []byte("50"))
			p.HandleMessage("plant/temp", []byte("95"))
			Eventually(mail.subjects).Should(HaveLen(2))
			Expect(testutil.ToFloat64(m.AlertsRaised.WithLabelValues("red"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.AlertsRaised.WithLabelValues("amber"))).To(BeZero())
		})

		It("picks up new thresholds after an update", func() {
			p.HandleMessage("plant/temp", []byte("40"))
			Eventually(func() int { return p.Persister().Canonical().Len("plant/temp") }).Should(Equal(1))
			Expect(mail.subjects()).To(BeEmpty())

			Expect(p.UpdateThresholds(ctx, "plant/temp", []store.Threshold{{Color: "amber", Value: 30, ResetValue: 20}})).To(Succeed())
			p.HandleMessage("plant/temp", []byte("40"))
			Eventually(mail.subjects).Should(Equal([]string{"Warning: plant/temp Threshold Exceeded"}))
		})
	})

	Context("subscriptions", func() {
		It("tears down all state of a topic on unsubscribe", func() {
			build()
			Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())
			p.HandleMessage("plant/temp", []byte("1"))
			Eventually(func() bool { _, ok := p.GetLatestLiveMessage("plant/temp"); return ok }).Should(BeTrue())

			Expect(p.Unsubscribe(ctx, "plant/temp")).To(Succeed())
			_, ok := p.GetLatestLiveMessage("plant/temp")
			Expect(ok).To(BeFalse())
			Expect(p.Persister().Canonical().Len("plant/temp")).To(BeZero())
			Expect(p.IsSubscribed("plant/temp")).To(BeFalse())
			Expect(transport.Wants("plant/temp")).To(BeFalse())

			p.HandleMessage("plant/temp", []byte("2"))
			Consistently(func() int { return p.Persister().Canonical().Len("plant/temp") }, 50*time.Millisecond).Should(BeZero())

			registry, err := db.ListSubscriptions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry).To(BeEmpty())
		})

		It("only archives backfill of a base topic that was unsubscribed", func() {
			build()
			Expect(p.Subscribe(ctx, "plant/temp")).To(Succeed())
			Expect(p.Subscribe(ctx, "plant/temp|backup")).To(Succeed())
			Expect(p.Unsubscribe(ctx, "plant/temp")).To(Succeed())

			p.HandleMessage("plant/temp|backup", []byte(`["2024-01-01T00:00:00Z","60","1","2"]`))

			Eventually(func() int { return len(db.Backup("plant/temp|backup")) }).Should(Equal(2))
			Expect(p.Persister().Canonical().Len("plant/temp")).To(BeZero())
			_, err := p.Persister().Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.MessagesFor("plant/temp")).To(BeEmpty())
		})

		It("keeps the state of matched topics when a wildcard filter is unsubscribed", func() {
			build()
			Expect(p.Subscribe(ctx, "plant/+")).To(Succeed())
			p.HandleMessage("plant/x", []byte("5"))
			Eventually(func() int { return p.Persister().Canonical().Len("plant/x") }).Should(Equal(1))

			Expect(p.Unsubscribe(ctx, "plant/+")).To(Succeed())
			snap, ok := p.GetLatestLiveMessage("plant/x")
			Expect(ok).To(BeTrue())
			Expect(snap.Value).To(Equal(5.0))
			Expect(p.Persister().Canonical().Len("plant/x")).To(Equal(1))
			Expect(p.IsSubscribed("plant/+")).To(BeFalse())

			p.HandleMessage("plant/x", []byte("6"))
			Consistently(func() int { return p.Persister().Canonical().Len("plant/x") }, 50*time.Millisecond).Should(Equal(1))
		})

		It("rejects unsubscribing an unknown topic", func() {
			build()
			Expect(p.Unsubscribe(ctx, "plant/none")).To(MatchError(pipeline.ErrNotSubscribed))
		})

		It("rejects empty topics", func() {
			build()
			Expect(p.Subscribe(ctx, "")).To(MatchError(pipeline.ErrInvalidTopic))
		})

		It("does not record a topic the broker refused", func() {
			transport.reject["plant/secret"] = true
			build()
			Expect(p.Subscribe(ctx, "plant/secret")).NotTo(Succeed())
			Expect(p.IsSubscribed("plant/secret")).To(BeFalse())
		})

		It("restores the registry on startup", func() {
			Expect(db.AddSubscription(ctx, "plant/a")).To(Succeed())
			Expect(db.AddSubscription(ctx, "plant/b")).To(Succeed())
			Expect(db.AddSubscription(ctx, "plant/secret")).To(Succeed())
			transport.reject["plant/secret"] = true
			build()

			n, err := p.RestoreSubscriptions(ctx)
			Expect(err).To(MatchError(ContainSubstring("plant/secret")))
			Expect(n).To(Equal(2))
			Expect(p.IsSubscribed("plant/a")).To(BeTrue())
			Expect(transport.Topics()).To(Equal([]string{"plant/a", "plant/b"}))
		})
	})

	It("refuses to start again once stopped", func() {
		build()
		p.Stop()
		Expect(p.Start(ctx)).To(MatchError(pipeline.ErrNotRunning))
	})
})
