package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaQueue publishes to and consumes from a single Kafka topic.
type KafkaQueue struct {
	client *kgo.Client
	topic  string
}

// NewKafkaQueue connects to brokers. A non-empty groupID joins a consumer
// group on topic so Consume can be used; producers may leave it empty.
func NewKafkaQueue(brokers []string, topic, groupID string) (*KafkaQueue, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka queue: brokers and topic required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(20 * time.Millisecond),
	}
	if groupID != "" {
		opts = append(opts, kgo.ConsumerGroup(groupID), kgo.ConsumeTopics(topic))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &KafkaQueue{client: client, topic: topic}, nil
}

// Publish writes the message synchronously, keyed by message type.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return q.client.ProduceSync(writeCtx, &kgo.Record{
		Topic: q.topic,
		Key:   []byte(msg.Type),
		Value: raw,
	}).FirstErr()
}

// Consume polls the topic until ctx ends.
func (q *KafkaQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			fetches := q.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				log.Printf("kafka fetch %s/%d: %v", topic, partition, err)
			})
			iter := fetches.RecordIter()
			for !iter.Done() {
				rec := iter.Next()
				var msg Message
				if err := json.Unmarshal(rec.Value, &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close flushes and closes the client.
func (q *KafkaQueue) Close() {
	if q == nil || q.client == nil {
		return
	}
	q.client.Close()
}
