// Package notifier delivers raised concerns to suppliers from the concern topic.
package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/metrics"
)

type Sender interface {
	Send(ctx context.Context, msg messages.ConcernRaised) error
}

type Marker interface {
	MarkNotified(ctx context.Context, concernID string) error
}

type Handler struct {
	sender  Sender
	marker  Marker
	timeout time.Duration
}

func New(sender Sender, marker Marker, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{sender: sender, marker: marker, timeout: timeout}
}

// Handle delivers one raised concern. Delivery problems are logged and counted but never
// returned, so one bad concern cannot stall the partition.
func (h *Handler) Handle(ctx context.Context, msg messages.ConcernRaised) error {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.sender.Send(sctx, msg); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		slog.Error("send concern notification",
			"concern_id", msg.ConcernID,
			"shipment_hash", msg.ShipmentHash,
			"supplier_wallet", msg.SupplierWallet,
			"error", err.Error(),
		)
		return nil
	}

	if err := h.marker.MarkNotified(ctx, msg.ConcernID); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("mark_concern_notified").Inc()
		slog.Error("mark concern notified", "concern_id", msg.ConcernID, "error", err.Error())
		return nil
	}
	slog.Info("concern notification sent", "concern_id", msg.ConcernID, "shipment_hash", msg.ShipmentHash)
	return nil
}
