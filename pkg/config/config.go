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

// Package config loads the telemetry daemon configuration from an optional
// YAML file and UMH_TELEMETRY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment override, e.g.
// UMH_TELEMETRY_BROKER_PASSWORD for broker.password.
const EnvPrefix = "UMH_TELEMETRY"

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

type BrokerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Protocol          string        `mapstructure:"protocol"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	ClientID          string        `mapstructure:"clientId"`
	KeepAlive         time.Duration `mapstructure:"keepAlive"`
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
	ConnectTimeout    time.Duration `mapstructure:"connectTimeout"`
	CleanSession      bool          `mapstructure:"cleanSession"`
	QoS               int           `mapstructure:"qos"`
}

type IngestConfig struct {
	BatchSize       int           `mapstructure:"batchSize"`
	BatchInterval   time.Duration `mapstructure:"batchInterval"`
	MaxQueueSize    int           `mapstructure:"maxQueueSize"`
	MaxPayloadBytes int           `mapstructure:"maxPayloadBytes"`
	BackfillSuffix  string        `mapstructure:"backfillSuffix"`
	Workers         int           `mapstructure:"workers"`
	WorkerQueueSize int           `mapstructure:"workerQueueSize"`
}

type AlertingConfig struct {
	ThresholdCooldown           time.Duration `mapstructure:"thresholdCooldown"`
	ThresholdCacheTTL           time.Duration `mapstructure:"thresholdCacheTTL"`
	ThresholdCacheFlushInterval time.Duration `mapstructure:"thresholdCacheFlushInterval"`
	RecipientCacheTTL           time.Duration `mapstructure:"recipientCacheTTL"`
	RecipientCacheSize          int           `mapstructure:"recipientCacheSize"`
	CriticalColor               string        `mapstructure:"criticalColor"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      string `mapstructure:"tls"`
}

type NotifyConfig struct {
	MaxRetries   int           `mapstructure:"maxRetries"`
	RetryDelay   time.Duration `mapstructure:"retryDelay"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	RateLimit    float64       `mapstructure:"rateLimit"`
	RateBurst    int           `mapstructure:"rateBurst"`
	SMTP         SMTPConfig    `mapstructure:"smtp"`
}

type CollectionsConfig struct {
	Messages      string `mapstructure:"messages"`
	Backups       string `mapstructure:"backups"`
	Thresholds    string `mapstructure:"thresholds"`
	Operators     string `mapstructure:"operators"`
	Supervisors   string `mapstructure:"supervisors"`
	Subscriptions string `mapstructure:"subscriptions"`
}

type StoreConfig struct {
	Driver         string            `mapstructure:"driver"`
	URI            string            `mapstructure:"uri"`
	Database       string            `mapstructure:"database"`
	ConnectTimeout time.Duration     `mapstructure:"connectTimeout"`
	Collections    CollectionsConfig `mapstructure:"collections"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"keyPrefix"`
	SnapshotTTL time.Duration `mapstructure:"snapshotTTL"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	v.SetDefault("broker.protocol", "tcp")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.clientId", "")
	v.SetDefault("broker.keepAlive", 30*time.Second)
	v.SetDefault("broker.reconnectInterval", time.Second)
	v.SetDefault("broker.connectTimeout", 10*time.Second)
	v.SetDefault("broker.cleanSession", true)
	v.SetDefault("broker.qos", 0)

	v.SetDefault("ingest.batchSize", 10)
	v.SetDefault("ingest.batchInterval", time.Second)
	v.SetDefault("ingest.maxQueueSize", 100)
	v.SetDefault("ingest.maxPayloadBytes", 0)
	v.SetDefault("ingest.backfillSuffix", "|backup")
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.workerQueueSize", 256)

	v.SetDefault("alerting.thresholdCooldown", 30*time.Second)
	v.SetDefault("alerting.thresholdCacheTTL", 30*time.Minute)
	v.SetDefault("alerting.thresholdCacheFlushInterval", 2*time.Minute)
	v.SetDefault("alerting.recipientCacheTTL", time.Hour)
	v.SetDefault("alerting.recipientCacheSize", 4096)
	v.SetDefault("alerting.criticalColor", "red")

	v.SetDefault("notify.maxRetries", 3)
	v.SetDefault("notify.retryDelay", time.Second)
	v.SetDefault("notify.pollInterval", 100*time.Millisecond)
	v.SetDefault("notify.rateLimit", 5.0)
	v.SetDefault("notify.rateBurst", 5)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.tls", "mandatory")

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("store.uri", "mongodb://localhost:27017")
	v.SetDefault("store.database", "umh_telemetry")
	v.SetDefault("store.connectTimeout", 10*time.Second)
	v.SetDefault("store.collections.messages", "messages")
	v.SetDefault("store.collections.backups", "backups")
	v.SetDefault("store.collections.thresholds", "topicthresholds")
	v.SetDefault("store.collections.operators", "employees")
	v.SetDefault("store.collections.supervisors", "supervisors")
	v.SetDefault("store.collections.subscriptions", "subscribedtopics")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "mqtt:")
	v.SetDefault("redis.snapshotTTL", 5*time.Minute)

	v.SetDefault("http.addr", ":5000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 5)
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, msg string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(msg, args...))
		}
	}

	check(c.Broker.Host != "", "broker.host must be set")
	check(c.Broker.Port > 0, "broker.port must be positive, got %d", c.Broker.Port)
	check(c.Broker.KeepAlive > 0, "broker.keepAlive must be positive")
	check(c.Broker.ReconnectInterval > 0, "broker.reconnectInterval must be positive")
	check(c.Broker.ConnectTimeout > 0, "broker.connectTimeout must be positive")
	check(c.Broker.QoS >= 0 && c.Broker.QoS <= 2, "broker.qos must be 0, 1 or 2, got %d", c.Broker.QoS)

	check(c.Ingest.BatchSize > 0, "ingest.batchSize must be positive, got %d", c.Ingest.BatchSize)
	check(c.Ingest.BatchInterval > 0, "ingest.batchInterval must be positive")
	check(c.Ingest.MaxQueueSize > 0, "ingest.maxQueueSize must be positive, got %d", c.Ingest.MaxQueueSize)
	check(c.Ingest.MaxPayloadBytes >= 0, "ingest.maxPayloadBytes must not be negative")
	check(c.Ingest.BackfillSuffix != "", "ingest.backfillSuffix must not be empty")
	check(c.Ingest.Workers > 0, "ingest.workers must be positive, got %d", c.Ingest.Workers)
	check(c.Ingest.WorkerQueueSize > 0, "ingest.workerQueueSize must be positive")

	check(c.Alerting.ThresholdCooldown >= 0, "alerting.thresholdCooldown must not be negative")
	check(c.Alerting.ThresholdCacheTTL > 0, "alerting.thresholdCacheTTL must be positive")
	check(c.Alerting.ThresholdCacheFlushInterval > 0, "alerting.thresholdCacheFlushInterval must be positive")
	check(c.Alerting.RecipientCacheTTL > 0, "alerting.recipientCacheTTL must be positive")
	check(c.Alerting.CriticalColor != "", "alerting.criticalColor must not be empty")

	check(c.Notify.MaxRetries > 0, "notify.maxRetries must be positive, got %d", c.Notify.MaxRetries)
	check(c.Notify.RetryDelay >= 0, "notify.retryDelay must not be negative")
	check(c.Notify.PollInterval > 0, "notify.pollInterval must be positive")
	check(c.Notify.RateLimit >= 0, "notify.rateLimit must not be negative")

	switch c.Store.Driver {
	case "mongo":
		check(c.Store.URI != "", "store.uri must be set for the mongo driver")
		check(c.Store.Database != "", "store.database must be set for the mongo driver")
	case "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown store.driver %q (mongo, memory)", c.Store.Driver))
	}

	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr must be set when redis is enabled")
	}

	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}
