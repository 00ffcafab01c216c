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

package ingest_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/ingest"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/payload"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/memstore"
)

// blockingWriter holds every insert until release is closed.
type blockingWriter struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *blockingWriter) InsertMessages(ctx context.Context, _ []store.Message) error {
	w.once.Do(func() { close(w.entered) })
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ = Describe("Persister", func() {
	var (
		db  *memstore.Store
		m   *metrics.Metrics
		p   *ingest.Persister
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = memstore.New()
		m = metrics.NewUnregistered()
		var err error
		p, err = ingest.NewPersister(ingest.PersisterConfig{
			BatchSize:     10,
			BatchInterval: 20 * time.Millisecond,
			MaxQueueSize:  100,
			Messages:      db,
			Archive:       db,
			Logger:        zaptest.NewLogger(GinkgoT()).Sugar(),
			Metrics:       m,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires both writers", func() {
		_, err := ingest.NewPersister(ingest.PersisterConfig{Messages: db})
		Expect(err).To(HaveOccurred())
	})

	It("persists exactly one batch per topic and cycle", func() {
		p.Enqueue("plant/temp", samples(0, 25)...)

		ran, err := p.Drain(ctx)
		Expect(ran).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())

		persisted := db.MessagesFor("plant/temp")
		Expect(persisted).To(HaveLen(10))
		Expect(persisted[0].Value).To(Equal(0.0))
		Expect(persisted[9].Value).To(Equal(9.0))
		Expect(p.Canonical().Len("plant/temp")).To(Equal(15))
		Expect(testutil.ToFloat64(m.SamplesPersisted.WithLabelValues(metrics.QueueCanonical))).To(Equal(10.0))
	})

	It("drops a failed batch instead of requeueing it", func() {
		p.Enqueue("plant/temp", samples(0, 25)...)
		db.FailWrites(errors.New("disk full"))

		_, err := p.Drain(ctx)
		Expect(err).To(MatchError(ContainSubstring("disk full")))
		Expect(p.Canonical().Len("plant/temp")).To(Equal(15))

		db.FailWrites(nil)
		_, err = p.Drain(ctx)
		Expect(err).NotTo(HaveOccurred())

		persisted := db.MessagesFor("plant/temp")
		Expect(persisted).To(HaveLen(10))
		Expect(persisted[0].Value).To(Equal(10.0))
		Expect(testutil.ToFloat64(m.PersistFailures.WithLabelValues(metrics.QueueCanonical))).To(Equal(1.0))
	})

	It("appends archive batches under the archive topic", func() {
		p.EnqueueArchive("plant/temp|backup", samples(0, 12)...)
		_, err := p.Drain(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Backup("plant/temp|backup")).To(HaveLen(10))
		Expect(db.MessagesFor("plant/temp|backup")).To(BeEmpty())
	})

	It("forgets topics", func() {
		p.Enqueue("plant/temp", samples(0, 5)...)
		p.EnqueueArchive("plant/temp", samples(0, 5)...)
		Expect(p.Forget("plant/temp")).To(Equal(10))
		_, _ = p.Drain(ctx)
		Expect(db.Messages()).To(BeEmpty())
	})

	It("skips a cycle while the previous one is still writing", func() {
		writer := newBlockingWriter()
		slow, err := ingest.NewPersister(ingest.PersisterConfig{
			Messages: writer,
			Archive:  db,
			Logger:   zaptest.NewLogger(GinkgoT()).Sugar(),
			Metrics:  m,
		})
		Expect(err).NotTo(HaveOccurred())
		slow.Enqueue("plant/temp", samples(0, 5)...)

		firstDone := make(chan bool, 1)
		go func() {
			ran, _ := slow.Drain(ctx)
			firstDone <- ran
		}()
		Eventually(writer.entered).Should(BeClosed())

		ran, err := slow.Drain(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ran).To(BeFalse())
		Expect(testutil.ToFloat64(m.DrainsSkipped)).To(Equal(1.0))

		close(writer.release)
		Eventually(firstDone).Should(Receive(BeTrue()))

		ran, err = slow.Drain(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ran).To(BeTrue())
		Expect(testutil.ToFloat64(m.DrainsSkipped)).To(Equal(1.0))
	})

	It("drains periodically and once more on shutdown", func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.Start(runCtx)
		p.Enqueue("plant/temp", samples(0, 30)...)

		Eventually(func() int { return len(db.MessagesFor("plant/temp")) }).
			WithTimeout(2 * time.Second).Should(Equal(30))

		p.Enqueue("plant/pressure", samples(0, 3)...)
		cancel()
		p.Wait()
		Expect(db.MessagesFor("plant/pressure")).To(HaveLen(3))
	})
})

var _ = Describe("Reconstructor", func() {
	It("expands and fans out a backfill upload", func() {
		db := memstore.New()
		p, err := ingest.NewPersister(ingest.PersisterConfig{
			Messages: db,
			Archive:  db,
			Logger:   zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())

		b, err := payload.DecodeBackfill([]byte(`["2024-01-01T00:00:00+05:30","60","10","20","30"]`))
		Expect(err).NotTo(HaveOccurred())

		out, err := ingest.NewReconstructor(p).Apply(context.Background(), "plant/temp", "plant/temp|backup", b)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(3))
		Expect(out[1].Timestamp.Sub(out[0].Timestamp)).To(Equal(time.Minute))
		Expect(out[2].Timestamp.Sub(out[0].Timestamp)).To(Equal(2 * time.Minute))

		// archive was flushed eagerly, the canonical copy waits for the drain
		Expect(values(db.Backup("plant/temp|backup"))).To(Equal([]float64{10, 20, 30}))
		Expect(p.Canonical().Len("plant/temp")).To(Equal(3))
		Expect(p.Archive().Len("plant/temp|backup")).To(BeZero())

		_, err = p.Drain(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(db.MessagesFor("plant/temp")).To(HaveLen(3))
	})

	It("archives without touching the canonical queue", func() {
		db := memstore.New()
		p, err := ingest.NewPersister(ingest.PersisterConfig{
			Messages: db,
			Archive:  db,
			Logger:   zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())

		b, err := payload.DecodeBackfill([]byte(`["2024-01-01T00:00:00Z","60","1","2"]`))
		Expect(err).NotTo(HaveOccurred())

		out, err := ingest.NewReconstructor(p).Archive(context.Background(), "plant/temp|backup", b)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(2))
		Expect(values(db.Backup("plant/temp|backup"))).To(Equal([]float64{1, 2}))
		Expect(p.Canonical().Len("plant/temp")).To(BeZero())
	})

	It("stamps samples at start plus i times the interval", func() {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		out := ingest.Expand(payload.Backfill{Start: start, Interval: 5 * time.Second, Values: []float64{1, 2}})
		Expect(out[0].Timestamp).To(Equal(start))
		Expect(out[1].Timestamp).To(Equal(start.Add(5 * time.Second)))
	})
})
