package scans

import (
	"context"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

// ShipmentHistory lists ledger entries of a shipment, newest first.
func (s *Service) ShipmentHistory(ctx context.Context, hash string, limit, offset int) ([]*models.ScanLog, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	if _, err := s.repo.GetShipment(ctx, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, custody.Reject(custody.ReasonShipmentNotFound, "shipment %s not found", hash).With("shipmentHash", hash)
		}
		return nil, err
	}
	return s.repo.ListScansByShipment(ctx, hash, limit, offset)
}

// ContainerHistory lists ledger entries of a container, newest first.
func (s *Service) ContainerHistory(ctx context.Context, containerID string, limit, offset int) ([]*models.ScanLog, error) {
	containerID = qrcode.NormalizeContainerID(containerID)
	if _, err := s.repo.GetContainer(ctx, containerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, custody.Reject(custody.ReasonContainerNotFound, "container %s not found", containerID).With("containerId", containerID)
		}
		return nil, err
	}
	return s.repo.ListScansByContainer(ctx, containerID, limit, offset)
}

// Pending lists containers waiting for the actor's scan.
func (s *Service) Pending(ctx context.Context, actor models.Actor, limit int) ([]*models.PendingContainer, error) {
	rules := custody.PendingRules(actor.Role)
	if len(rules) == 0 || actor.WalletAddress == "" {
		return []*models.PendingContainer{}, nil
	}
	return s.repo.ListPending(ctx, actor, rules, limit)
}
