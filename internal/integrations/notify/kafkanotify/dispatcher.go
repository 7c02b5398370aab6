// Package kafkanotify hands concern notifications to the worker through kafka.
package kafkanotify

import (
	"context"
	"encoding/json"

	"github.com/BearBump/CustodyBox/internal/integrations/notify"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Dispatcher struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Dispatcher {
	if topic == "" {
		topic = "custody.concern.raised"
	}
	return &Dispatcher{producer: producer, topic: topic}
}

func (d *Dispatcher) Dispatch(ctx context.Context, c *models.ShipmentConcern, targetWallet string) error {
	msg := notify.RaisedMessage(c)
	if targetWallet != "" {
		msg.SupplierWallet = targetWallet
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal concern raised")
	}
	return d.producer.Publish(ctx, d.topic, []byte(c.ShipmentHash), b)
}
