package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConcernHandler processes one raised concern. A returned error stops consumption
// and leaves the message uncommitted.
type ConcernHandler func(ctx context.Context, msg messages.ConcernRaised) error

// ConcernConsumer reads the concern topic for the notification worker.
type ConcernConsumer struct {
	r messageReader
}

func NewConcernConsumer(brokers []string, topic, groupID string) *ConcernConsumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		MaxWait:           time.Second,
		StartOffset:       kafka.FirstOffset,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &ConcernConsumer{r: kafka.NewReader(cfg)}
}

func newConcernConsumerWithReader(r messageReader) *ConcernConsumer {
	return &ConcernConsumer{r: r}
}

func (c *ConcernConsumer) Close() error {
	return c.r.Close()
}

// Consume hands every decodable ConcernRaised to h until ctx ends. Payloads that do not
// decode, or carry no concern id, are committed and skipped: redelivery cannot fix them.
func (c *ConcernConsumer) Consume(ctx context.Context, h ConcernHandler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch concern message")
		}

		if ev, ok := decodeConcern(msg); ok {
			if err := h(ctx, ev); err != nil {
				return errors.Wrapf(err, "handle concern %s", ev.ConcernID)
			}
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit concern message")
		}
	}
}

func decodeConcern(msg kafka.Message) (messages.ConcernRaised, bool) {
	var ev messages.ConcernRaised
	err := json.Unmarshal(msg.Value, &ev)
	if err == nil && ev.ConcernID != "" {
		return ev, true
	}
	reason := "missing concern_id"
	if err != nil {
		reason = err.Error()
	}
	metrics.OperationErrorsTotal.WithLabelValues("decode_concern_raised").Inc()
	slog.Error("skip undecodable concern message",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", reason,
	)
	return messages.ConcernRaised{}, false
}
