package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RedisSink publishes each event as JSON on the channel "<prefix>:<id_usuario>", which the
// push gateway subscribes to per connected user.
type RedisSink struct {
	Client *redis.Client
	Prefix string
}

func (s RedisSink) Channel(userID string) string {
	prefix := strings.TrimSuffix(s.Prefix, ":")
	if prefix == "" {
		return userID
	}
	return prefix + ":" + userID
}

func (s RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, s.Channel(ev.UsuarioID), data).Err()
}

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Producer is the part of *kgo.Client the Kafka sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink appends events to a topic keyed by user so one user's events stay ordered.
type KafkaSink struct {
	Producer Producer
	Topic    string
}

func (s KafkaSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: s.Topic,
		Key:   []byte(ev.UsuarioID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	return s.Producer.ProduceSync(ctx, rec).FirstErr()
}

// NewKafkaClient builds a producer client for the given brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}
