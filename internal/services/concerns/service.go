// Package concerns attaches exception reports to accepted scans and tracks their
// acknowledgement by the supplier.
package concerns

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/integrations/notify"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxDescriptionLen = 2000

type Repository interface {
	InsertConcern(ctx context.Context, c *models.ShipmentConcern) error
	GetConcern(ctx context.Context, concernID string) (*models.ShipmentConcern, error)
	AcknowledgeConcern(ctx context.Context, concernID string, at time.Time) (*models.ShipmentConcern, error)
	ResolveConcern(ctx context.Context, concernID string, res models.ConcernResolution) (*models.ShipmentConcern, error)
	MarkConcernNotified(ctx context.Context, concernID string, at time.Time) error
	ListConcernsByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ShipmentConcern, error)
}

type AttachInput struct {
	ShipmentHash   string
	ContainerID    string
	ScanID         string
	SupplierWallet string
	ReportedBy     models.Actor
	Type           models.ConcernType
	Severity       models.Severity
	Description    string
}

type Service struct {
	repo       Repository
	dispatcher notify.Dispatcher

	notifyTimeout time.Duration
	now           func() time.Time

	wg sync.WaitGroup
}

// New builds the service; a nil dispatcher only logs.
func New(repo Repository, dispatcher notify.Dispatcher, notifyTimeout time.Duration) *Service {
	if dispatcher == nil {
		dispatcher = notify.LogDispatcher{}
	}
	if notifyTimeout <= 0 {
		notifyTimeout = 5 * time.Second
	}
	return &Service{
		repo:          repo,
		dispatcher:    dispatcher,
		notifyTimeout: notifyTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Attach persists a concern raised alongside an accepted scan and notifies the supplier
// in the background. The scan it belongs to is never affected.
func (s *Service) Attach(ctx context.Context, in AttachInput) (*models.ShipmentConcern, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, errors.New("concern description is required")
	}
	desc = truncate(desc, maxDescriptionLen)
	typ := models.ConcernType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	if !typ.Valid() {
		typ = models.ConcernOther
	}
	sev := models.Severity(strings.ToUpper(strings.TrimSpace(string(in.Severity))))
	if !sev.Valid() {
		sev = models.SeverityMedium
	}

	now := s.now()
	c := &models.ShipmentConcern{
		ConcernID:      uuid.NewString(),
		ShipmentHash:   in.ShipmentHash,
		ContainerID:    in.ContainerID,
		ScanID:         in.ScanID,
		Type:           typ,
		Severity:       sev,
		Description:    desc,
		ReportedBy:     in.ReportedBy,
		SupplierWallet: in.SupplierWallet,
		Status:         models.ConcernOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertConcern(ctx, c); err != nil {
		return nil, errors.Wrap(err, "insert concern")
	}
	metrics.ConcernsRaisedTotal.WithLabelValues(string(sev)).Inc()

	cp := *c
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(&cp)
	}()
	return c, nil
}

func (s *Service) dispatch(c *models.ShipmentConcern) {
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(ctx, c, c.SupplierWallet); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		slog.Error("dispatch concern notification",
			"concern_id", c.ConcernID,
			"shipment_hash", c.ShipmentHash,
			"error", err.Error(),
		)
	}
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) supplierConcern(ctx context.Context, concernID string, actor models.Actor) (*models.ShipmentConcern, error) {
	c, err := s.repo.GetConcern(ctx, concernID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, custody.Reject(custody.ReasonConcernNotFound, "concern %s not found", concernID).
				With("concernId", concernID)
		}
		return nil, err
	}
	if actor.Role != models.RoleSupplier || !custody.SameWallet(actor.WalletAddress, c.SupplierWallet) {
		return nil, custody.Reject(custody.ReasonRoleNotAllowed, "only the shipment supplier can manage this concern").
			With("role", actor.Role)
	}
	return c, nil
}

func (s *Service) Acknowledge(ctx context.Context, concernID string, actor models.Actor) (*models.ShipmentConcern, error) {
	if _, err := s.supplierConcern(ctx, concernID, actor); err != nil {
		return nil, err
	}
	return s.repo.AcknowledgeConcern(ctx, concernID, s.now())
}

func (s *Service) Resolve(ctx context.Context, concernID string, actor models.Actor, note string) (*models.ShipmentConcern, error) {
	c, err := s.supplierConcern(ctx, concernID, actor)
	if err != nil {
		return nil, err
	}
	if c.Status == models.ConcernResolved {
		return c, nil
	}
	return s.repo.ResolveConcern(ctx, concernID, models.ConcernResolution{
		Note:       strings.TrimSpace(note),
		ResolvedBy: actor.WalletAddress,
		ResolvedAt: s.now(),
	})
}

func (s *Service) MarkNotified(ctx context.Context, concernID string) error {
	if concernID == "" {
		return errors.New("concernId is required")
	}
	return s.repo.MarkConcernNotified(ctx, concernID, s.now())
}

func (s *Service) ListByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ShipmentConcern, error) {
	return s.repo.ListConcernsByShipment(ctx, hash, limit, offset)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
