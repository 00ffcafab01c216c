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

// Package app assembles the pipeline and its backing services from a
// loaded configuration. Both the daemon and the benthos output use it.
package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/ingest"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/notify"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/pipeline"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/recipients"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/snapshot"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/memstore"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store/mongostore"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

// App owns the store, the optional snapshot mirror and the pipeline.
type App struct {
	Config   *config.Config
	Store    store.Store
	Mirror   *snapshot.RedisMirror
	Pipeline *pipeline.Pipeline
}

// New opens the store and the mirror and builds the pipeline on top of
// transport. Nothing is started.
func New(ctx context.Context, cfg *config.Config, transport pipeline.Transport, m *metrics.Metrics) (*App, error) {
	log := logger.For(logger.ComponentCore)
	if m == nil {
		m = metrics.NewUnregistered()
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	mailer, err := NewMailer(cfg.Notify.SMTP)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	opts := PipelineOptions(cfg)
	opts.Transport = transport
	opts.Store = st
	opts.Notify.Mailer = mailer
	opts.Metrics = m

	a := &App{Config: cfg, Store: st}
	if cfg.Redis.Enabled {
		a.Mirror = snapshot.NewRedisMirror(snapshot.RedisMirrorConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			TTL:      cfg.Redis.SnapshotTTL,
		})
		opts.Mirror = a.Mirror
		log.Infof("Mirroring live snapshots to redis at %s", cfg.Redis.Addr)
	}

	p, err := pipeline.New(opts)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.Pipeline = p
	return a, nil
}

// Close releases the mirror and the store. Stop the pipeline first.
func (a *App) Close(ctx context.Context) error {
	var errs error
	if a.Mirror != nil {
		errs = multierr.Append(errs, a.Mirror.Close())
	}
	if a.Store != nil {
		errs = multierr.Append(errs, a.Store.Close(ctx))
	}
	return errs
}

// OpenStore opens the configured store driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "mongo":
		return mongostore.Open(ctx, mongostore.Config{
			URI:            cfg.URI,
			Database:       cfg.Database,
			ConnectTimeout: cfg.ConnectTimeout,
			Collections: mongostore.Collections{
				Messages:      cfg.Collections.Messages,
				Backups:       cfg.Collections.Backups,
				Thresholds:    cfg.Collections.Thresholds,
				Operators:     cfg.Collections.Operators,
				Supervisors:   cfg.Collections.Supervisors,
				Subscriptions: cfg.Collections.Subscriptions,
			},
			Logger: logger.For(logger.ComponentStore),
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewMailer returns an SMTP mailer, or a mailer that only logs when no SMTP
// host is configured.
func NewMailer(cfg config.SMTPConfig) (notify.Mailer, error) {
	if cfg.Host == "" {
		log := logger.For(logger.ComponentDispatcher)
		log.Warnf("No SMTP host configured, alert emails are only logged")
		return notify.MailerFunc(func(_ context.Context, to, subject, _ string) error {
			log.Infow("Email delivery disabled", "to", to, "subject", subject)
			return nil
		}), nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLS:      cfg.TLS,
	})
}

// PipelineOptions maps the configuration onto pipeline options. Transport,
// store, mirror, mailer and metrics are left for the caller.
func PipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		BackfillSuffix:  cfg.Ingest.BackfillSuffix,
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		Workers:         cfg.Ingest.Workers,
		WorkerQueueSize: cfg.Ingest.WorkerQueueSize,
		Ingest: ingest.PersisterConfig{
			BatchSize:     cfg.Ingest.BatchSize,
			BatchInterval: cfg.Ingest.BatchInterval,
			MaxQueueSize:  cfg.Ingest.MaxQueueSize,
		},
		Thresholds: threshold.ProviderConfig{
			CacheTTL:      cfg.Alerting.ThresholdCacheTTL,
			FlushInterval: cfg.Alerting.ThresholdCacheFlushInterval,
		},
		Cooldown:      cfg.Alerting.ThresholdCooldown,
		CriticalColor: cfg.Alerting.CriticalColor,
		Recipients: recipients.Config{
			TTL:       cfg.Alerting.RecipientCacheTTL,
			CacheSize: cfg.Alerting.RecipientCacheSize,
		},
		Notify: notify.Config{
			MaxRetries:   cfg.Notify.MaxRetries,
			RetryDelay:   cfg.Notify.RetryDelay,
			PollInterval: cfg.Notify.PollInterval,
			RateLimit:    cfg.Notify.RateLimit,
			RateBurst:    cfg.Notify.RateBurst,
		},
		Logger: logger.For(logger.ComponentPipeline),
	}
}

// BrokerConfig maps the broker section onto the client configuration.
func BrokerConfig(cfg config.BrokerConfig, m *metrics.Metrics) broker.Config {
	return broker.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Protocol:          cfg.Protocol,
		Username:          cfg.Username,
		Password:          cfg.Password,
		ClientID:          cfg.ClientID,
		KeepAlive:         cfg.KeepAlive,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		CleanSession:      cfg.CleanSession,
		QoS:               byte(cfg.QoS),
		Logger:            logger.For(logger.ComponentBroker),
		Metrics:           m,
	}
}
