// Package scans runs a custody scan end to end: QR parsing, the custody gate, the
// authorization matrix and the atomic ledger commit.
package scans

import (
	"context"
	"time"

	"github.com/BearBump/CustodyBox/internal/cache"
	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/storage"
)

type Repository interface {
	GetShipment(ctx context.Context, hash string) (*models.Shipment, error)
	GetContainer(ctx context.Context, containerID string) (*models.Container, error)
	AcceptedScans(ctx context.Context, containerID string) ([]*models.ScanLog, error)
	GetAcceptedScan(ctx context.Context, containerID string, action models.ScanAction, role models.Role) (*models.ScanLog, error)
	CommitScan(ctx context.Context, c storage.ScanCommit) (*storage.CommitResult, error)
	InsertScanLog(ctx context.Context, l *models.ScanLog) error
	ListScansByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ScanLog, error)
	ListScansByContainer(ctx context.Context, containerID string, limit, offset int) ([]*models.ScanLog, error)
	ListPending(ctx context.Context, actor models.Actor, rules []custody.PendingRule, limit int) ([]*models.PendingContainer, error)
}

type IDGenerator interface {
	ScanID() string
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type ConcernAttacher interface {
	Attach(ctx context.Context, in concerns.AttachInput) (*models.ShipmentConcern, error)
}

type Service struct {
	repo Repository
	ids  IDGenerator

	verifier     chain.Verifier
	chainTimeout time.Duration

	limiter            cache.Limiter
	rateLimitPerMinute int64

	producer       Producer
	topic          string
	publishTimeout time.Duration

	concerns ConcernAttacher

	persistRejections bool
	policy            custody.ShipmentUpdatePolicy
	production        bool

	now func() time.Time
}

func New(repo Repository, ids IDGenerator) *Service {
	return &Service{
		repo:           repo,
		ids:            ids,
		chainTimeout:   2 * time.Second,
		limiter:        cache.Unlimited{},
		publishTimeout: 2 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithVerifier enables advisory chain corroboration of the custody gate.
func (s *Service) WithVerifier(v chain.Verifier, timeout time.Duration) *Service {
	s.verifier = v
	if timeout > 0 {
		s.chainTimeout = timeout
	}
	return s
}

func (s *Service) WithRateLimit(l cache.Limiter, perMinute int64) *Service {
	if l != nil {
		s.limiter = l
	}
	s.rateLimitPerMinute = perMinute
	return s
}

func (s *Service) WithEvents(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

func (s *Service) WithConcerns(c ConcernAttacher) *Service {
	s.concerns = c
	return s
}

// WithRejectionLogging makes business rejections land in the ledger as REJECTED rows.
// Internal errors are recorded regardless.
func (s *Service) WithRejectionLogging(on bool) *Service {
	s.persistRejections = on
	return s
}

func (s *Service) WithPolicy(p custody.ShipmentUpdatePolicy) *Service {
	s.policy = p
	return s
}

// WithProduction hides internal error details from results.
func (s *Service) WithProduction(on bool) *Service {
	s.production = on
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
