package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const contentTypeJSON = "application/json"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes custody events. Keys are shipment hashes so every event of one
// shipment lands on one partition in order.
type Producer struct {
	w messageWriter
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if len(key) == 0 {
		return errors.Errorf("kafka publish to %s: empty shipment key", topic)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(contentTypeJSON)},
			{Key: "event", Value: []byte(topic)},
		},
	}); err != nil {
		return errors.Wrapf(err, "kafka publish to %s", topic)
	}
	return nil
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
