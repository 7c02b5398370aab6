// Package notify delivers concern notifications to the shipment's supplier.
package notify

import (
	"context"
	"log/slog"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/models"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, c *models.ShipmentConcern, targetWallet string) error
}

// RaisedMessage is the wire form of a freshly attached concern.
func RaisedMessage(c *models.ShipmentConcern) messages.ConcernRaised {
	return messages.ConcernRaised{
		ConcernID:      c.ConcernID,
		ShipmentHash:   c.ShipmentHash,
		ContainerID:    c.ContainerID,
		ScanID:         c.ScanID,
		Type:           string(c.Type),
		Severity:       string(c.Severity),
		Description:    c.Description,
		ReporterWallet: c.ReportedBy.WalletAddress,
		ReporterRole:   string(c.ReportedBy.Role),
		SupplierWallet: c.SupplierWallet,
		CreatedAt:      c.CreatedAt,
	}
}

// LogDispatcher only logs; used when no broker is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, c *models.ShipmentConcern, targetWallet string) error {
	slog.Info("concern raised",
		"concern_id", c.ConcernID,
		"shipment_hash", c.ShipmentHash,
		"container_id", c.ContainerID,
		"severity", c.Severity,
		"target_wallet", targetWallet,
	)
	return nil
}
