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
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/app"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/config"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

// seedFile is the layout of a seed file:
//
//	subscriptions:
//	  - plant/line1/temperature
//	thresholds:
//	  plant/line1/temperature:
//	    - {color: red, value: 80, resetValue: 75}
//	    - {color: orange, value: 70, resetValue: 65}
type seedFile struct {
	Subscriptions []string                     `yaml:"subscriptions"`
	Thresholds    map[string][]store.Threshold `yaml:"thresholds"`
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed-thresholds",
		Usage: "write threshold sets and subscriptions from a YAML file into the store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "seed file",
				Required: true,
			},
		},
		Action: runSeed,
	}
}

func runSeed(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	flush, err := logger.Init(logger.Options{Level: cfg.Log.Level, Encoding: "console"})
	if err != nil {
		return err
	}
	defer func() { _ = flush() }()
	log := logger.For(logger.ComponentCLI)

	f, err := os.Open(c.String("file"))
	if err != nil {
		return err
	}
	defer f.Close()
	seed, err := loadSeed(f)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(c.Context, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	n, err := applySeed(c.Context, st, seed)
	log.Infof("Seeded %d topics", n)
	return err
}

func loadSeed(r io.Reader) (*seedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var seed seedFile
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// applySeed writes every threshold set and subscription, skipping invalid
// entries. It returns the number of topics whose thresholds were written.
func applySeed(ctx context.Context, st store.Store, seed *seedFile) (int, error) {
	provider, err := threshold.NewProvider(threshold.ProviderConfig{
		Repository: st,
		Logger:     logger.For(logger.ComponentThresholds),
	})
	if err != nil {
		return 0, err
	}

	topics := make([]string, 0, len(seed.Thresholds))
	for topic := range seed.Thresholds {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var errs error
	written := 0
	for _, topic := range topics {
		if err := provider.Update(ctx, topic, seed.Thresholds[topic]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", topic, err))
			continue
		}
		written++
	}
	for _, topic := range seed.Subscriptions {
		if topic == "" {
			continue
		}
		errs = multierr.Append(errs, st.AddSubscription(ctx, topic))
	}
	return written, errs
}
