// Package shipments manages the supplier side of a shipment: creation, on-chain lock
// and custody assignments.
package shipments

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

const maxContainers = 10_000

type Repository interface {
	CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	GetShipment(ctx context.Context, hash string) (*models.Shipment, error)
	ListContainers(ctx context.Context, hash string) ([]*models.Container, error)
	LockShipment(ctx context.Context, in storage.LockInput) (*models.Shipment, error)
	UpdateAssignments(ctx context.Context, hash string, a models.Assignments) (*models.Shipment, error)
	RefreshShipmentStatus(ctx context.Context, hash string, actor models.ScanActor) (*storage.StatusRefresh, error)
	ListStatusHistory(ctx context.Context, hash string) ([]*models.StatusHistoryEntry, error)
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

type CreateInput struct {
	ShipmentHash         string
	BatchID              string
	ContainerIDs         []string
	QuantityPerContainer int
}

type Details struct {
	Shipment   *models.Shipment
	Containers []*models.Container
}

func notFound(err error, hash string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return custody.Reject(custody.ReasonShipmentNotFound, "shipment %s not found", hash).With("shipmentHash", hash)
	}
	return err
}

func requireSupplier(actor models.Actor) error {
	if actor.Role != models.RoleSupplier {
		return custody.Reject(custody.ReasonRoleNotAllowed, "only suppliers manage shipments").With("role", actor.Role)
	}
	return nil
}

// owned loads a shipment and checks the actor is its supplier.
func (s *Service) owned(ctx context.Context, hash string, actor models.Actor) (*models.Shipment, error) {
	if err := requireSupplier(actor); err != nil {
		return nil, err
	}
	sh, err := s.repo.GetShipment(ctx, hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	if !custody.SameWallet(sh.SupplierWallet, actor.WalletAddress) {
		return nil, custody.Reject(custody.ReasonRoleNotAllowed, "shipment belongs to another supplier").With("role", actor.Role)
	}
	return sh, nil
}

func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*Details, error) {
	if err := requireSupplier(actor); err != nil {
		return nil, err
	}
	hash := qrcode.NormalizeShipmentID(in.ShipmentHash)
	if hash == "" {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "shipmentHash is required")
	}
	if ref, err := qrcode.Parse(hash); err != nil || ref.Type != qrcode.RefShipment || ref.RawTrust != qrcode.TrustExact {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "malformed shipment hash %q", in.ShipmentHash)
	}
	if strings.TrimSpace(in.BatchID) == "" {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "batchId is required")
	}
	if len(in.ContainerIDs) == 0 {
		return nil, custody.Reject(custody.ReasonMissingContainerID, "at least one container is required")
	}
	if len(in.ContainerIDs) > maxContainers {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "too many containers (max %d)", maxContainers)
	}
	if in.QuantityPerContainer <= 0 {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "quantityPerContainer must be positive")
	}

	ids := make([]string, 0, len(in.ContainerIDs))
	seen := make(map[string]struct{}, len(in.ContainerIDs))
	for _, raw := range in.ContainerIDs {
		id := qrcode.NormalizeContainerID(raw)
		if !qrcode.IsContainerID(id) {
			return nil, custody.Reject(custody.ReasonInvalidFormat, "malformed container id %q", raw).With("containerId", raw)
		}
		if _, ok := seen[id]; ok {
			return nil, custody.Reject(custody.ReasonInvalidFormat, "duplicate container id %s", id).With("containerId", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	sh, err := s.repo.CreateShipment(ctx, models.ShipmentCreateInput{
		ShipmentHash:         hash,
		SupplierWallet:       strings.TrimSpace(actor.WalletAddress),
		BatchID:              strings.TrimSpace(in.BatchID),
		ContainerIDs:         ids,
		QuantityPerContainer: in.QuantityPerContainer,
	})
	if err != nil {
		return nil, err
	}
	return s.details(ctx, sh)
}

func (s *Service) details(ctx context.Context, sh *models.Shipment) (*Details, error) {
	cs, err := s.repo.ListContainers(ctx, sh.ShipmentHash)
	if err != nil {
		return nil, err
	}
	return &Details{Shipment: sh, Containers: cs}, nil
}

func (s *Service) Get(ctx context.Context, hash string) (*Details, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	sh, err := s.repo.GetShipment(ctx, hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	return s.details(ctx, sh)
}

// Lock records the anchoring transaction; after it the custody gate opens.
func (s *Service) Lock(ctx context.Context, actor models.Actor, hash, txHash string, blockNumber *uint64) (*models.Shipment, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	if _, err := s.owned(ctx, hash, actor); err != nil {
		return nil, err
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, custody.Reject(custody.ReasonInvalidFormat, "txHash is required")
	}
	sh, err := s.repo.LockShipment(ctx, storage.LockInput{
		ShipmentHash: hash,
		TxHash:       txHash,
		BlockNumber:  blockNumber,
		LockedAt:     s.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.ShipmentStatusChangesTotal.WithLabelValues(string(sh.Status)).Inc()
	return sh, nil
}

func (s *Service) Assign(ctx context.Context, actor models.Actor, hash string, a models.Assignments) (*models.Shipment, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	if _, err := s.owned(ctx, hash, actor); err != nil {
		return nil, err
	}
	trim := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := strings.TrimSpace(*p)
		return &v
	}
	return s.repo.UpdateAssignments(ctx, hash, models.Assignments{
		AssignedTransporter: trim(a.AssignedTransporter),
		AssignedWarehouse:   trim(a.AssignedWarehouse),
		NextTransporter:     trim(a.NextTransporter),
		AssignedRetailer:    trim(a.AssignedRetailer),
	})
}

// RefreshStatus re-derives the shipment status from its containers. Allowed for the
// supplier and any wallet holding an assignment slot.
func (s *Service) RefreshStatus(ctx context.Context, actor models.Actor, hash string) (*storage.StatusRefresh, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	sh, err := s.repo.GetShipment(ctx, hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	if !participant(sh, actor) {
		return nil, custody.Reject(custody.ReasonRoleNotAllowed, "actor is not a participant of this shipment").With("role", actor.Role)
	}
	if _, rej := custody.Gate(sh, s.now()); rej != nil {
		return nil, rej
	}
	ref, err := s.repo.RefreshShipmentStatus(ctx, hash, models.ScanActor{
		Wallet:    actor.WalletAddress,
		Role:      actor.Role,
		Timestamp: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if ref.Changed {
		metrics.ShipmentStatusChangesTotal.WithLabelValues(string(ref.Current)).Inc()
	}
	return ref, nil
}

func participant(sh *models.Shipment, actor models.Actor) bool {
	if actor.Role == models.RoleSupplier {
		return custody.SameWallet(sh.SupplierWallet, actor.WalletAddress)
	}
	a := custody.AssignmentOf(sh)
	for _, slot := range []custody.AssignmentSlot{
		custody.SlotAssignedTransporter, custody.SlotAssignedWarehouse,
		custody.SlotNextTransporter, custody.SlotAssignedRetailer,
	} {
		if custody.SameWallet(a.SlotValue(slot), actor.WalletAddress) {
			return true
		}
	}
	return false
}

func (s *Service) History(ctx context.Context, hash string) ([]*models.StatusHistoryEntry, error) {
	hash = qrcode.NormalizeShipmentID(hash)
	if _, err := s.repo.GetShipment(ctx, hash); err != nil {
		return nil, notFound(err, hash)
	}
	return s.repo.ListStatusHistory(ctx, hash)
}
