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

// Package broker connects the pipeline to an MQTT broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/metrics"
)

// Handler receives every message of a subscribed topic.
type Handler func(topic string, payload []byte)

// Config holds the broker connection settings.
type Config struct {
	Host     string
	Port     int
	Protocol string
	Username string
	Password string
	ClientID string

	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	// ReconnectInterval spaces the attempts of the first connection in
	// Connect. After a lost connection paho reconnects on its own: the first
	// attempt is immediate, then the wait starts at one second and doubles
	// up to ReconnectInterval.
	ReconnectInterval time.Duration
	// MaxConnectRetries bounds the initial connection attempts; 0 retries
	// until the context passed to Connect is done.
	MaxConnectRetries uint64
	CleanSession      bool
	QoS               byte

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// URL returns the broker URL.
func (c Config) URL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// Client is a paho client that remembers its subscriptions and restores
// them every time the connection comes back.
type Client struct {
	cfg    Config
	client mqtt.Client

	mu      sync.RWMutex
	topics  map[string]struct{}
	handler Handler

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewClient validates cfg and creates the paho client without connecting.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("broker host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 1883
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "umh-telemetry-" + uuid.NewString()
	}
	if cfg.KeepAlive <= 0 {
		return nil, fmt.Errorf("keep alive must be positive, got %v", cfg.KeepAlive)
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive, got %v", cfg.ConnectTimeout)
	}
	if cfg.ReconnectInterval <= 0 {
		return nil, fmt.Errorf("reconnect interval must be positive, got %v", cfg.ReconnectInterval)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentBroker)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	c := &Client{
		cfg:     cfg,
		topics:  make(map[string]struct{}),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL())
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectInterval)
	// Connect retries the first connection itself
	opts.SetConnectRetry(false)
	opts.SetConnectRetryInterval(cfg.ReconnectInterval)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.metrics.BrokerConnected.Set(0)
		c.metrics.ConnectionLosses.Inc()
		c.logger.Errorf("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Infof("Reconnecting to MQTT broker %s", cfg.URL())
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(msg.Topic(), msg.Payload())
		}
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// OnMessage sets the handler for incoming messages. Call it before Connect.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect establishes the first connection, retrying at the fixed reconnect
// interval. Later losses are handled by paho's auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	var policy backoff.BackOff = backoff.NewConstantBackOff(c.cfg.ReconnectInterval)
	if c.cfg.MaxConnectRetries > 0 {
		policy = backoff.WithMaxRetries(policy, c.cfg.MaxConnectRetries)
	}

	connect := func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("MQTT connection timeout after %v", c.cfg.ConnectTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("MQTT connection failed: %w", err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warnf("%v, retrying in %s", err, next)
	}
	return backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.metrics.BrokerConnected.Set(1)
	c.logger.Infof("Connected to MQTT broker %s", c.cfg.URL())

	topics := c.Topics()
	if len(topics) == 0 {
		return
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.cfg.QoS
	}
	// runs on paho's connection goroutine, so waiting here would block it
	go func() {
		token := client.SubscribeMultiple(filters, nil)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Errorf("Timed out resubscribing to %d topics", len(topics))
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Errorf("Error resubscribing to %d topics: %v", len(topics), err)
			return
		}
		c.logger.Infof("Resubscribed to %d topics", len(topics))
	}()
}

// Subscribe subscribes to topic and remembers it for every reconnect. When
// the connection is down the topic is only remembered and subscribed on the
// next connect.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.Infof("Not connected, %s will be subscribed on connect", topic)
		return nil
	}
	if err := c.wait(ctx, c.client.Subscribe(topic, c.cfg.QoS, nil)); err != nil {
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
		return fmt.Errorf("error subscribing to topic %s: %w", topic, err)
	}
	c.logger.Infof("Subscribed to topic: %s", topic)
	return nil
}

// Unsubscribe forgets topic and unsubscribes it if connected.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := c.wait(ctx, c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("error unsubscribing from topic %s: %w", topic, err)
	}
	c.logger.Infof("Unsubscribed from topic: %s", topic)
	return nil
}

// Topics lists the remembered subscriptions in lexical order.
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects, giving in-flight work up to quiesce to finish.
func (c *Client) Close(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
	c.metrics.BrokerConnected.Set(0)
}

func (c *Client) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
