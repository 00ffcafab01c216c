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

// Package mongostore implements store.Store on MongoDB.
//
// Collections and document shapes:
//
//	messages:         {topic, message (string), timestamp}
//	backups:          {topic, messages: [{message (number), timestamp}], createdAt, updatedAt}
//	topicthresholds:  {topic, thresholds: [{color, value, resetValue}]}
//	employees:        {email, topics: [string]}
//	supervisors:      {email, topics: [string]}
//	subscribedtopics: {topic, createdAt}
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

// Collections names the collections used by the store.
type Collections struct {
	Messages      string
	Backups       string
	Thresholds    string
	Operators     string
	Supervisors   string
	Subscriptions string
}

// DefaultCollections returns the collection names used by the dashboard
// backend that shares the database.
func DefaultCollections() Collections {
	return Collections{
		Messages:      "messages",
		Backups:       "backups",
		Thresholds:    "topicthresholds",
		Operators:     "employees",
		Supervisors:   "supervisors",
		Subscriptions: "subscribedtopics",
	}
}

// Config holds everything needed to open the store.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	// RetryInterval is the fixed pause between connection attempts.
	RetryInterval time.Duration
	// MaxConnectRetries bounds the connection attempts; 0 retries until ctx is done.
	MaxConnectRetries uint64
	Collections       Collections
	Logger            *zap.SugaredLogger
}

// Store is the MongoDB-backed store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cols   Collections
	logger *zap.SugaredLogger

	operators   *directory
	supervisors *directory
}

var _ store.Store = (*Store)(nil)

// Open connects to MongoDB, retrying with a fixed backoff until the server
// answers a ping, and makes sure the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.Collections == (Collections{}) {
		cfg.Collections = DefaultCollections()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(cfg.RetryInterval)
	if cfg.MaxConnectRetries > 0 {
		policy = backoff.WithMaxRetries(policy, cfg.MaxConnectRetries)
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return client.Ping(pingCtx, nil)
	}
	notify := func(err error, next time.Duration) {
		cfg.Logger.Warnf("Database connection failed, retrying in %s: %v", next, err)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		db:          db,
		cols:        cfg.Collections,
		logger:      cfg.Logger,
		operators:   &directory{coll: db.Collection(cfg.Collections.Operators)},
		supervisors: &directory{coll: db.Collection(cfg.Collections.Supervisors)},
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	cfg.Logger.Infof("Database connection successful (%s)", cfg.Database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(s.cols.Messages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "topic", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}
	for _, name := range []string{s.cols.Backups, s.cols.Thresholds, s.cols.Subscriptions} {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "topic", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create topic index on %s: %w", name, err)
		}
	}
	return nil
}

type messageDoc struct {
	Topic     string    `bson:"topic"`
	Message   string    `bson:"message"`
	Timestamp time.Time `bson:"timestamp"`
}

// InsertMessages writes one batch to the canonical log. Values are stored as
// strings, which is what the report endpoints of the dashboard expect.
func (s *Store) InsertMessages(ctx context.Context, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]messageDoc, 0, len(msgs))
	for _, m := range msgs {
		docs = append(docs, messageDoc{
			Topic:     m.Topic,
			Message:   strconv.FormatFloat(m.Value, 'f', -1, 64),
			Timestamp: m.Timestamp,
		})
	}
	_, err := s.db.Collection(s.cols.Messages).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to insert %d messages: %w", len(docs), err)
	}
	return nil
}

// AppendBackup pushes samples onto the archive document of topic, upserting it.
func (s *Store) AppendBackup(ctx context.Context, topic string, samples []store.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	now := time.Now()
	update := bson.M{
		"$push":        bson.M{"messages": bson.M{"$each": samples}},
		"$set":         bson.M{"updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := s.db.Collection(s.cols.Backups).UpdateOne(ctx, bson.M{"topic": topic}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to append %d backup samples for %s: %w", len(samples), topic, err)
	}
	return nil
}

type thresholdDoc struct {
	Topic      string            `bson:"topic"`
	Thresholds []store.Threshold `bson:"thresholds"`
}

func (s *Store) GetThresholds(ctx context.Context, topic string) ([]store.Threshold, error) {
	var doc thresholdDoc
	err := s.db.Collection(s.cols.Thresholds).FindOne(ctx, bson.M{"topic": topic},
		options.FindOne().SetProjection(bson.M{"topic": 1, "thresholds": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds for %s: %w", topic, err)
	}
	return doc.Thresholds, nil
}

func (s *Store) PutThresholds(ctx context.Context, topic string, thresholds []store.Threshold) error {
	if thresholds == nil {
		thresholds = []store.Threshold{}
	}
	_, err := s.db.Collection(s.cols.Thresholds).UpdateOne(ctx, bson.M{"topic": topic},
		bson.M{"$set": bson.M{"thresholds": thresholds}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update thresholds for %s: %w", topic, err)
	}
	return nil
}

func (s *Store) AddSubscription(ctx context.Context, topic string) error {
	_, err := s.db.Collection(s.cols.Subscriptions).UpdateOne(ctx, bson.M{"topic": topic},
		bson.M{"$setOnInsert": bson.M{"topic": topic, "createdAt": time.Now()}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store subscription %s: %w", topic, err)
	}
	return nil
}

func (s *Store) RemoveSubscription(ctx context.Context, topic string) error {
	if _, err := s.db.Collection(s.cols.Subscriptions).DeleteOne(ctx, bson.M{"topic": topic}); err != nil {
		return fmt.Errorf("failed to remove subscription %s: %w", topic, err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]string, error) {
	cur, err := s.db.Collection(s.cols.Subscriptions).Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"topic": 1, "_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var docs []struct {
		Topic string `bson:"topic"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	topics := make([]string, 0, len(docs))
	for _, d := range docs {
		topics = append(topics, d.Topic)
	}
	return topics, nil
}

func (s *Store) Operators() store.Directory   { return s.operators }
func (s *Store) Supervisors() store.Directory { return s.supervisors }

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// directory reads {email, topics} documents of one user collection.
type directory struct {
	coll *mongo.Collection
}

func (d *directory) AddressesForTopic(ctx context.Context, topic string) ([]string, error) {
	cur, err := d.coll.Find(ctx, bson.M{"topics": topic},
		options.Find().SetProjection(bson.M{"email": 1, "_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.coll.Name(), err)
	}
	var docs []struct {
		Email string `bson:"email"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", d.coll.Name(), err)
	}
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Email != "" {
			out = append(out, doc.Email)
		}
	}
	return out, nil
}
