package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
)

// PresenceProducer publishes driver presence updates to the topic the
// consumer process folds into the Redis geo index.
type PresenceProducer struct {
	writer *kafka.Writer
}

func NewPresenceProducer(brokers []string, topic string) *PresenceProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &PresenceProducer{writer: w}
}

func (p *PresenceProducer) PublishPresence(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(d)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (p *PresenceProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
