package scans

import (
	"context"
	"strings"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

// VerifyResult previews what a scan by the actor would do. Nothing is written.
type VerifyResult struct {
	Reference  qrcode.Reference
	Shipment   *models.Shipment
	Container  *models.Container
	Blockchain models.BlockchainSnapshot

	// Set when the actor could scan the container now.
	Action     models.ScanAction
	NextStatus models.ContainerStatus
	// AlreadyRecorded means the actor's scan is in the ledger and would be replayed.
	AlreadyRecorded bool

	Rejection *custody.Rejection
}

func (s *Service) Verify(ctx context.Context, actor models.Actor, qr string) (*VerifyResult, error) {
	metrics.ScansTotal.WithLabelValues(string(actor.Role), "verified").Inc()

	if !actor.Role.Valid() {
		return &VerifyResult{Rejection: custody.Reject(custody.ReasonRoleNotAllowed, "unknown actor").With("role", actor.Role)}, nil
	}
	if strings.TrimSpace(qr) == "" {
		return &VerifyResult{Rejection: custody.Reject(custody.ReasonMissingContainerID, "qr is required")}, nil
	}
	ref, err := qrcode.Parse(qr)
	if err != nil {
		return &VerifyResult{Rejection: custody.Reject(custody.ReasonInvalidFormat, "unrecognized QR payload")}, nil
	}
	out := &VerifyResult{Reference: ref}

	hash := ref.ID
	if ref.Type == qrcode.RefContainer {
		c, err := s.repo.GetContainer(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				out.Rejection = custody.Reject(custody.ReasonContainerNotFound, "container %s not found", ref.ID).With("containerId", ref.ID)
				return out, nil
			}
			return nil, errors.Wrap(err, "get container")
		}
		out.Container = c
		hash = c.ShipmentHash
	}

	sh, err := s.repo.GetShipment(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			out.Rejection = custody.Reject(custody.ReasonShipmentNotFound, "shipment %s not found", hash).With("shipmentHash", hash)
			return out, nil
		}
		return nil, errors.Wrap(err, "get shipment")
	}
	out.Shipment = sh

	snap, rej := custody.Gate(sh, s.now())
	if rej == nil {
		snap = s.corroborate(ctx, snap, sh.ShipmentHash)
	}
	out.Blockchain = snap
	if rej != nil {
		out.Rejection = rej
		return out, nil
	}

	// Поставщик и запросы по отгрузке получают только сведения, без решения.
	if out.Container == nil || actor.Role == models.RoleSupplier {
		return out, nil
	}

	prior, err := s.prior(ctx, out.Container.ContainerID)
	if err != nil {
		return nil, err
	}
	d := custody.Decide(custody.Input{
		Role:            actor.Role,
		Wallet:          actor.WalletAddress,
		Assignment:      custody.AssignmentOf(sh),
		ContainerStatus: out.Container.Status,
		Prior:           prior,
	})
	switch d.Kind {
	case custody.Allowed:
		out.Action = d.Action
		out.NextStatus = d.NextStatus
	case custody.Replayed:
		out.Action = d.Action
		out.AlreadyRecorded = true
	default:
		out.Rejection = d.Rejection
	}
	return out, nil
}
