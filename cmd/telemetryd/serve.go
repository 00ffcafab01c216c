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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/api"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/app"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/pipeline"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "connect to the broker and run the pipeline and the HTTP API",
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	flush, err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer func() { _ = flush() }()
	log := logger.For(logger.ComponentCLI)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client, err := broker.NewClient(app.BrokerConfig(cfg.Broker, m))
	if err != nil {
		return fmt.Errorf("invalid broker configuration: %w", err)
	}

	a, err := app.New(ctx, cfg, client, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Warnf("Error closing store: %v", err)
		}
	}()

	client.OnMessage(a.Pipeline.HandleMessage)
	if err := a.Pipeline.Start(ctx); err != nil {
		return err
	}
	defer a.Pipeline.Stop()

	// remembered by the client and subscribed once connected
	n, err := a.Pipeline.RestoreSubscriptions(ctx)
	if err != nil {
		log.Warnf("Some subscriptions could not be restored: %v", err)
	}
	log.Infof("Restored %d subscriptions", n)

	log.Infof("Connecting to MQTT broker %s", cfg.Broker.Host)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close(250 * time.Millisecond)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Options{
			Service:  a.Pipeline,
			Gatherer: reg,
			Health: func() error {
				if !client.IsConnected() {
					return errors.New("broker disconnected")
				}
				return nil
			},
			NotSubscribed:     pipeline.ErrNotSubscribed,
			InvalidThresholds: threshold.ErrInvalidThreshold,
			Logger:            logger.For(logger.ComponentAPI),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("HTTP API listening on %s", cfg.HTTP.Addr)
	if err := api.Serve(ctx, srv); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Infof("Shutting down")
	return nil
}
