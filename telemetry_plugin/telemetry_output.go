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

package telemetry_plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/api"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/app"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/pipeline"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

const defaultTopicMeta = "mqtt_topic"

func init() {
	service.RegisterBatchOutput("umh_telemetry", outputConfig(), newTelemetryOutput)
}

func outputConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("1.0.0").
		Summary("Feeds messages into the telemetry pipeline: snapshots, persistence, thresholds and alert emails").
		Description(`
The umh_telemetry output runs the same pipeline as the telemetryd daemon, but takes its messages
from any benthos input instead of its own MQTT client. The topic of every message is read from a
metadata field (mqtt_topic by default, which is what the mqtt input sets).

Messages of topics that are not subscribed are dropped, just like the daemon drops messages the
broker still delivers after an unsubscribe. Topics can be subscribed up front, restored from the
subscription registry of the store, or subscribed automatically on first sight.

Backfill uploads are recognised by the backfill suffix of the configuration file.`).
		Field(service.NewStringField("config_file").
			Description("Path of the telemetry configuration file. Environment overrides (UMH_TELEMETRY_*) apply as well.").
			Default("")).
		Field(service.NewStringField("topic_meta").
			Description("Metadata field holding the topic of a message.").
			Default(defaultTopicMeta)).
		Field(service.NewStringListField("subscribe").
			Description("Topics or MQTT filters subscribed when the output connects.").
			Example([]string{"plant/+/temperature", "plant/line1/#"}).
			Default([]string{})).
		Field(service.NewBoolField("restore_subscriptions").
			Description("Subscribe every topic stored in the subscription registry when connecting.").
			Default(true)).
		Field(service.NewBoolField("auto_subscribe").
			Description("Subscribe every topic the first time a message for it arrives.").
			Default(false)).
		Field(service.NewStringField("http_address").
			Description("When set, serves the telemetry HTTP API on this address, e.g. :5000.").
			Default("").
			Advanced())
}

type telemetryOutput struct {
	configFile    string
	topicMeta     string
	subscribe     []string
	restore       bool
	autoSubscribe bool
	httpAddress   string

	mu        sync.Mutex
	app       *app.App
	transport *broker.Passive
	server    *http.Server
	cancel    context.CancelFunc
	serveDone chan struct{}

	log            *service.Logger
	forwarded      *service.MetricCounter
	missingTopic   *service.MetricCounter
	autoSubscribed *service.MetricCounter
}

func newTelemetryOutput(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchOutput, service.BatchPolicy, int, error) {
	batchPolicy := service.BatchPolicy{
		Count:  100,
		Period: "100ms",
	}

	o := &telemetryOutput{
		log:            mgr.Logger(),
		forwarded:      mgr.Metrics().NewCounter("telemetry_messages_forwarded"),
		missingTopic:   mgr.Metrics().NewCounter("telemetry_messages_missing_topic"),
		autoSubscribed: mgr.Metrics().NewCounter("telemetry_topics_auto_subscribed"),
	}

	var err error
	if o.configFile, err = conf.FieldString("config_file"); err != nil {
		return nil, batchPolicy, 0, err
	}
	if o.topicMeta, err = conf.FieldString("topic_meta"); err != nil {
		return nil, batchPolicy, 0, err
	}
	if o.topicMeta == "" {
		return nil, batchPolicy, 0, errors.New("topic_meta must not be empty")
	}
	if o.subscribe, err = conf.FieldStringList("subscribe"); err != nil {
		return nil, batchPolicy, 0, err
	}
	if o.restore, err = conf.FieldBool("restore_subscriptions"); err != nil {
		return nil, batchPolicy, 0, err
	}
	if o.autoSubscribe, err = conf.FieldBool("auto_subscribe"); err != nil {
		return nil, batchPolicy, 0, err
	}
	if o.httpAddress, err = conf.FieldString("http_address"); err != nil {
		return nil, batchPolicy, 0, err
	}

	// one in-flight batch keeps the per-topic arrival order of the input
	return o, batchPolicy, 1, nil
}

// Connect builds and starts the pipeline. The pipeline outlives ctx, which
// only bounds the connection attempt.
func (o *telemetryOutput) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app != nil {
		return nil
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}

	transport := broker.NewPassive()
	a, err := app.New(ctx, cfg, transport, metrics.NewUnregistered())
	if err != nil {
		return fmt.Errorf("failed to build telemetry pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := a.Pipeline.Start(runCtx); err != nil {
		cancel()
		_ = a.Close(context.Background())
		return err
	}

	if o.restore {
		n, err := a.Pipeline.RestoreSubscriptions(ctx)
		if err != nil {
			o.log.Warnf("Some subscriptions could not be restored: %v", err)
		}
		o.log.Infof("Restored %d subscriptions", n)
	}
	for _, topic := range o.subscribe {
		if err := a.Pipeline.Subscribe(ctx, topic); err != nil {
			o.log.Errorf("Failed to subscribe to %s: %v", topic, err)
		}
	}

	if o.httpAddress != "" {
		o.server = &http.Server{
			Addr: o.httpAddress,
			Handler: api.NewRouter(api.Options{
				Service:           a.Pipeline,
				NotSubscribed:     pipeline.ErrNotSubscribed,
				InvalidThresholds: threshold.ErrInvalidThreshold,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		o.serveDone = make(chan struct{})
		go func() {
			defer close(o.serveDone)
			if err := api.Serve(runCtx, o.server); err != nil {
				o.log.Errorf("Telemetry HTTP API stopped: %v", err)
			}
		}()
		o.log.Infof("Serving telemetry HTTP API on %s", o.httpAddress)
	}

	o.app = a
	o.transport = transport
	o.cancel = cancel
	o.log.Infof("Telemetry pipeline started")
	return nil
}

// WriteBatch hands every message to the pipeline. Messages without a topic
// are skipped rather than failing the batch.
func (o *telemetryOutput) WriteBatch(ctx context.Context, msgs service.MessageBatch) error {
	o.mu.Lock()
	a := o.app
	o.mu.Unlock()
	if a == nil {
		return service.ErrNotConnected
	}

	for i, msg := range msgs {
		topic, ok := msg.MetaGet(o.topicMeta)
		if !ok || topic == "" {
			o.missingTopic.Incr(1)
			o.log.Debugf("Message %d has no %s metadata, skipping", i, o.topicMeta)
			continue
		}

		if o.autoSubscribe && !o.transport.Wants(topic) {
			if err := a.Pipeline.Subscribe(ctx, topic); err != nil {
				o.log.Errorf("Failed to auto-subscribe to %s: %v", topic, err)
			} else {
				o.autoSubscribed.Incr(1)
			}
		}

		raw, err := msg.AsBytes()
		if err != nil {
			return fmt.Errorf("error getting content of message %d: %v", i, err)
		}
		a.Pipeline.HandleMessage(topic, raw)
		o.forwarded.Incr(1)
	}
	return nil
}

// Close stops the pipeline, flushing the queues once more.
func (o *telemetryOutput) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app == nil {
		return nil
	}

	o.log.Infof("Stopping telemetry pipeline")
	o.app.Pipeline.Stop()
	o.cancel()
	if o.serveDone != nil {
		<-o.serveDone
	}
	err := o.app.Close(ctx)
	o.app = nil
	return err
}
