package scans

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/cache/rediscache"
	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

type ConcernRequest struct {
	Description string
	Type        models.ConcernType
	Severity    models.Severity
}

type Request struct {
	Actor models.Actor
	// Role restricts the request to actors of that role; empty accepts any scanning role.
	Role     models.Role
	QR       string
	Location string
	Concern  *ConcernRequest
}

type ContainerView struct {
	ContainerID    string
	PreviousStatus models.ContainerStatus
	CurrentStatus  models.ContainerStatus
	LastScannedBy  *models.ScanActor
}

type ShipmentView struct {
	ShipmentHash   string
	PreviousStatus models.ShipmentStatus
	CurrentStatus  models.ShipmentStatus
	StatusChanged  bool
	IsLocked       bool
	TxHash         string
}

type Result struct {
	ScanID    string
	ScannedAt time.Time
	Action    models.ScanAction
	// Replayed is set when the same scan was already accepted; ScanID is the recorded one.
	Replayed  bool
	Container ContainerView
	Shipment  ShipmentView
	Concern   *models.ShipmentConcern
	Rejection *custody.Rejection
}

func (r *Result) Accepted() bool { return r.Rejection == nil }

// attempt carries what is known about a scan so far, for the ledger and the response.
type attempt struct {
	req         Request
	at          time.Time
	containerID string
	container   *models.Container
	shipment    *models.Shipment
	snapshot    *models.BlockchainSnapshot
	action      models.ScanAction
}

// Scan validates and applies one scan. The returned result is never nil: business
// refusals come back as Result.Rejection with a nil error; infrastructure failures
// yield an INTERNAL_ERROR rejection together with the cause.
func (s *Service) Scan(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	a := &attempt{req: req, at: s.now(), action: models.ActionVerifyOnly}
	role := string(req.Actor.Role)

	res, err := s.scan(ctx, a)
	metrics.ScanDuration.WithLabelValues(role).Observe(time.Since(started).Seconds())

	switch {
	case err != nil:
		metrics.ScansTotal.WithLabelValues(role, "error").Inc()
		return s.internal(ctx, a, err), err
	case res.Rejection != nil:
		metrics.ScansTotal.WithLabelValues(role, "rejected").Inc()
		metrics.ScanRejectionsTotal.WithLabelValues(string(res.Rejection.Code)).Inc()
		slog.Info("scan rejected",
			"container_id", a.containerID,
			"role", role,
			"code", res.Rejection.Code,
			"message", res.Rejection.Message,
		)
		if s.persistRejections {
			s.recordFailure(ctx, a, res.Rejection.Code)
		}
	case res.Replayed:
		metrics.ScansTotal.WithLabelValues(role, "replayed").Inc()
	default:
		metrics.ScansTotal.WithLabelValues(role, "accepted").Inc()
	}
	return res, nil
}

func (s *Service) scan(ctx context.Context, a *attempt) (*Result, error) {
	req := a.req
	if !req.Actor.Role.Valid() || strings.TrimSpace(req.Actor.WalletAddress) == "" {
		return s.reject(a, custody.Reject(custody.ReasonRoleNotAllowed, "unknown actor").With("role", req.Actor.Role)), nil
	}
	if req.Role != "" && req.Actor.Role != req.Role {
		return s.reject(a, custody.Reject(custody.ReasonRoleNotAllowed, "endpoint is reserved for %s", strings.ToLower(string(req.Role))).
			With("role", req.Actor.Role)), nil
	}

	ref, rej := parseContainer(req.QR)
	if rej != nil {
		return s.reject(a, rej), nil
	}
	a.containerID = ref.ID

	if s.rateLimitPerMinute > 0 {
		allowed, n, err := s.limiter.Allow(ctx, rediscache.ScanRateKey(req.Actor.WalletAddress), s.rateLimitPerMinute, time.Minute)
		switch {
		case err != nil:
			// лимитер недоступен: сканирование не блокируем
			slog.Warn("scan rate limiter unavailable", "error", err.Error())
		case !allowed:
			return s.reject(a, custody.Reject(custody.ReasonRateLimited, "more than %d scans per minute", s.rateLimitPerMinute).
				With("count", n)), nil
		}
	}

	if rej, err := s.load(ctx, a); rej != nil || err != nil {
		return s.reject(a, rej), err
	}

	snap, rej := custody.Gate(a.shipment, a.at)
	if rej == nil {
		snap = s.corroborate(ctx, snap, a.shipment.ShipmentHash)
	}
	a.snapshot = &snap
	if rej != nil {
		return s.reject(a, rej), nil
	}

	prior, err := s.prior(ctx, a.container.ContainerID)
	if err != nil {
		return nil, err
	}
	d := custody.Decide(custody.Input{
		Role:            req.Actor.Role,
		Wallet:          req.Actor.WalletAddress,
		Assignment:      custody.AssignmentOf(a.shipment),
		ContainerStatus: a.container.Status,
		Prior:           prior,
	})
	if d.Action != "" {
		a.action = d.Action
	}

	switch d.Kind {
	case custody.Denied:
		return s.reject(a, d.Rejection.With("containerId", a.container.ContainerID)), nil
	case custody.Replayed:
		l, err := s.repo.GetAcceptedScan(ctx, a.container.ContainerID, d.Action, req.Actor.Role)
		if err != nil {
			return nil, errors.Wrap(err, "load replayed scan")
		}
		return s.replayed(a, l, a.container), nil
	}
	return s.commit(ctx, a, d)
}

// parseContainer accepts only QR payloads that name a container.
func parseContainer(raw string) (qrcode.Reference, *custody.Rejection) {
	if strings.TrimSpace(raw) == "" {
		return qrcode.Reference{}, custody.Reject(custody.ReasonMissingContainerID, "containerId is required")
	}
	ref, err := qrcode.Parse(raw)
	if err != nil {
		return qrcode.Reference{}, custody.Reject(custody.ReasonInvalidFormat, "unrecognized QR payload")
	}
	if ref.Type != qrcode.RefContainer {
		return ref, custody.Reject(custody.ReasonMissingContainerID, "QR identifies shipment %s, not a container", ref.ID).
			With("shipmentHash", ref.ID)
	}
	return ref, nil
}

// load resolves the container and its shipment into the attempt.
func (s *Service) load(ctx context.Context, a *attempt) (*custody.Rejection, error) {
	c, err := s.repo.GetContainer(ctx, a.containerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return custody.Reject(custody.ReasonContainerNotFound, "container %s not found", a.containerID).
				With("containerId", a.containerID), nil
		}
		return nil, errors.Wrap(err, "get container")
	}
	a.container = c

	sh, err := s.repo.GetShipment(ctx, c.ShipmentHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return custody.Reject(custody.ReasonShipmentNotFound, "shipment %s not found", c.ShipmentHash).
				With("shipmentHash", c.ShipmentHash), nil
		}
		return nil, errors.Wrap(err, "get shipment")
	}
	a.shipment = sh
	return nil, nil
}

func (s *Service) prior(ctx context.Context, containerID string) (map[custody.PriorKey]bool, error) {
	logs, err := s.repo.AcceptedScans(ctx, containerID)
	if err != nil {
		return nil, errors.Wrap(err, "load accepted scans")
	}
	prior := make(map[custody.PriorKey]bool, len(logs))
	for _, l := range logs {
		prior[custody.PriorKey{Action: l.Action, Role: l.Actor.Role}] = true
	}
	return prior, nil
}

// corroborate annotates the gate snapshot with the verifier's view. It never changes
// the gate outcome.
func (s *Service) corroborate(ctx context.Context, snap models.BlockchainSnapshot, hash string) models.BlockchainSnapshot {
	if s.verifier == nil {
		return snap
	}
	cctx, cancel := context.WithTimeout(ctx, s.chainTimeout)
	defer cancel()

	if !s.verifier.IsAvailable(cctx) {
		snap.ChainError = chain.ErrUnavailable.Error()
		return snap
	}
	st, err := s.verifier.GetShipment(cctx, hash)
	if err != nil {
		snap.ChainError = err.Error()
		return snap
	}
	locked := st.IsLocked
	snap.Source = custody.SnapshotSourceCorroborated
	snap.ChainStatus = st.Status
	snap.ChainLocked = &locked
	if !locked {
		slog.Warn("chain does not confirm shipment lock", "shipment_hash", hash, "chain_status", st.Status)
	}
	return snap
}

func (s *Service) commit(ctx context.Context, a *attempt, d custody.Decision) (*Result, error) {
	from := a.container.Status
	to := d.NextStatus
	actor := models.ScanActor{Wallet: a.req.Actor.WalletAddress, Role: a.req.Actor.Role, Timestamp: a.at}

	l := s.newLog(a, models.ScanAccepted)
	l.PreviousStatus = &from
	l.NewStatus = &to

	cr, err := s.repo.CommitScan(ctx, storage.ScanCommit{
		ContainerID:    a.container.ContainerID,
		ShipmentHash:   a.shipment.ShipmentHash,
		From:           from,
		To:             to,
		Actor:          actor,
		UpdateShipment: s.policy.Applies(actor.Role),
		Log:            l,
	})
	switch {
	case errors.Is(err, storage.ErrStatusConflict), errors.Is(err, storage.ErrDuplicateScan):
		return s.afterConflict(ctx, a, d)
	case errors.Is(err, storage.ErrInvalidTransition):
		return s.reject(a, custody.Reject(custody.ReasonInvalidStatusTransition, "transition %s -> %s is not allowed", from, to).
			With("currentStatus", from)), nil
	case err != nil:
		return nil, errors.Wrap(err, "commit scan")
	}

	if cr.Duplicate {
		return s.duplicate(a, cr.Log, cr.Container), nil
	}

	res := &Result{
		ScanID:    cr.Log.ScanID,
		ScannedAt: cr.Log.ScannedAt,
		Action:    d.Action,
		Container: ContainerView{
			ContainerID:    cr.Container.ContainerID,
			PreviousStatus: from,
			CurrentStatus:  cr.Container.Status,
			LastScannedBy:  cr.Container.LastScannedBy,
		},
		Shipment: ShipmentView{
			ShipmentHash:   a.shipment.ShipmentHash,
			PreviousStatus: cr.ShipmentPrevious,
			CurrentStatus:  cr.ShipmentCurrent,
			StatusChanged:  cr.StatusChanged,
			IsLocked:       a.shipment.IsLocked(),
			TxHash:         models.Deref(a.shipment.TxHash),
		},
	}
	if cr.StatusChanged {
		metrics.ShipmentStatusChangesTotal.WithLabelValues(string(cr.ShipmentCurrent)).Inc()
	}
	slog.Info("scan accepted",
		"scan_id", res.ScanID,
		"container_id", res.Container.ContainerID,
		"shipment_hash", res.Shipment.ShipmentHash,
		"role", actor.Role,
		"action", d.Action,
		"from", from,
		"to", to,
	)

	s.publish(ctx, a, res)
	if c := a.req.Concern; c != nil && strings.TrimSpace(c.Description) != "" {
		res.Concern = s.attachConcern(ctx, a, res, c)
	}
	return res, nil
}

// afterConflict runs when another writer moved the container between our read and our
// write. If that writer recorded our exact scan we answer with it, otherwise the scan
// lost the race.
func (s *Service) afterConflict(ctx context.Context, a *attempt, d custody.Decision) (*Result, error) {
	current := a.container
	if c, err := s.repo.GetContainer(ctx, a.container.ContainerID); err == nil {
		current = c
	}
	l, err := s.repo.GetAcceptedScan(ctx, a.container.ContainerID, d.Action, a.req.Actor.Role)
	switch {
	case err == nil:
		return s.duplicate(a, l, current), nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, errors.Wrap(err, "reload accepted scan")
	}
	a.container = current
	return s.reject(a, custody.Reject(custody.ReasonAlreadyScanned, "container was scanned concurrently").
		With("currentStatus", current.Status).
		With("containerId", current.ContainerID)), nil
}

// duplicate answers a scan whose ledger triple already exists. Warehouse receipts are
// never replayed.
func (s *Service) duplicate(a *attempt, l *models.ScanLog, c *models.Container) *Result {
	if a.req.Actor.Role == models.RoleWarehouse {
		a.container = c
		return s.reject(a, custody.Reject(custody.ReasonAlreadyScannedByWarehouse, "container already received by warehouse").
			With("currentStatus", c.Status).
			With("containerId", c.ContainerID))
	}
	return s.replayed(a, l, c)
}

func (s *Service) replayed(a *attempt, l *models.ScanLog, c *models.Container) *Result {
	var prev models.ContainerStatus
	if l.PreviousStatus != nil {
		prev = *l.PreviousStatus
	}
	slog.Info("scan replayed", "scan_id", l.ScanID, "container_id", c.ContainerID, "role", l.Actor.Role)
	return &Result{
		ScanID:    l.ScanID,
		ScannedAt: l.ScannedAt,
		Action:    l.Action,
		Replayed:  true,
		Container: ContainerView{
			ContainerID:    c.ContainerID,
			PreviousStatus: prev,
			CurrentStatus:  c.Status,
			LastScannedBy:  c.LastScannedBy,
		},
		Shipment: s.shipmentView(a.shipment),
	}
}

func (s *Service) shipmentView(sh *models.Shipment) ShipmentView {
	if sh == nil {
		return ShipmentView{}
	}
	return ShipmentView{
		ShipmentHash:   sh.ShipmentHash,
		PreviousStatus: sh.Status,
		CurrentStatus:  sh.Status,
		IsLocked:       sh.IsLocked(),
		TxHash:         models.Deref(sh.TxHash),
	}
}

func (s *Service) reject(a *attempt, rej *custody.Rejection) *Result {
	if rej == nil {
		return nil
	}
	res := &Result{ScannedAt: a.at, Action: a.action, Rejection: rej, Shipment: s.shipmentView(a.shipment)}
	res.Container.ContainerID = a.containerID
	if a.container != nil {
		res.Container.PreviousStatus = a.container.Status
		res.Container.CurrentStatus = a.container.Status
		res.Container.LastScannedBy = a.container.LastScannedBy
	}
	return res
}

// internal turns an infrastructure failure into a recorded INTERNAL_ERROR rejection.
func (s *Service) internal(ctx context.Context, a *attempt, err error) *Result {
	slog.Error("scan failed",
		"container_id", a.containerID,
		"role", a.req.Actor.Role,
		"error", err.Error(),
	)
	metrics.ScanRejectionsTotal.WithLabelValues(string(custody.ReasonInternalError)).Inc()
	s.recordFailure(ctx, a, custody.ReasonInternalError)

	msg := err.Error()
	if s.production {
		msg = "internal error"
	}
	return s.reject(a, custody.Reject(custody.ReasonInternalError, "%s", msg))
}

func (s *Service) newLog(a *attempt, result models.ScanResult) *models.ScanLog {
	l := &models.ScanLog{
		ScanID:    s.ids.ScanID(),
		Actor:     a.req.Actor,
		Action:    a.action,
		Result:    result,
		Location:  strings.TrimSpace(a.req.Location),
		ScannedAt: a.at,
	}
	if a.containerID != "" {
		l.ContainerID = models.Ptr(a.containerID)
	}
	if a.shipment != nil {
		l.ShipmentHash = models.Ptr(a.shipment.ShipmentHash)
		l.ShipmentSnapshot, _ = json.Marshal(models.SnapshotOf(a.shipment))
	}
	if a.snapshot != nil {
		l.BlockchainSnapshot, _ = json.Marshal(a.snapshot)
	}
	return l
}

// recordFailure writes a REJECTED ledger row. It survives cancellation of the request.
func (s *Service) recordFailure(ctx context.Context, a *attempt, code custody.ReasonCode) {
	l := s.newLog(a, models.ScanRejected)
	l.RejectionReason = models.Ptr(string(code))
	if a.container != nil {
		st := a.container.Status
		l.PreviousStatus = &st
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.repo.InsertScanLog(wctx, l); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("insert_scan_log").Inc()
		slog.Error("record rejected scan", "scan_id", l.ScanID, "code", code, "error", err.Error())
	}
}

func (s *Service) publish(ctx context.Context, a *attempt, res *Result) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(messages.ScanAccepted{
		ScanID:                 res.ScanID,
		ContainerID:            res.Container.ContainerID,
		ShipmentHash:           res.Shipment.ShipmentHash,
		Action:                 string(res.Action),
		ActorWallet:            a.req.Actor.WalletAddress,
		ActorRole:              string(a.req.Actor.Role),
		ScannedAt:              res.ScannedAt,
		PreviousStatus:         string(res.Container.PreviousStatus),
		NewStatus:              string(res.Container.CurrentStatus),
		ShipmentPreviousStatus: string(res.Shipment.PreviousStatus),
		ShipmentStatus:         string(res.Shipment.CurrentStatus),
		ShipmentStatusChanged:  res.Shipment.StatusChanged,
		Location:               strings.TrimSpace(a.req.Location),
	})
	if err != nil {
		slog.Error("marshal scan event", "scan_id", res.ScanID, "error", err.Error())
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := s.producer.Publish(pctx, s.topic, []byte(res.Shipment.ShipmentHash), b); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("publish_scan_accepted").Inc()
		slog.Warn("publish scan event", "scan_id", res.ScanID, "error", err.Error())
	}
}

func (s *Service) attachConcern(ctx context.Context, a *attempt, res *Result, c *ConcernRequest) *models.ShipmentConcern {
	if s.concerns == nil {
		return nil
	}
	concern, err := s.concerns.Attach(ctx, concerns.AttachInput{
		ShipmentHash:   res.Shipment.ShipmentHash,
		ContainerID:    res.Container.ContainerID,
		ScanID:         res.ScanID,
		SupplierWallet: a.shipment.SupplierWallet,
		ReportedBy:     a.req.Actor,
		Type:           c.Type,
		Severity:       c.Severity,
		Description:    c.Description,
	})
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("attach_concern").Inc()
		slog.Error("attach concern", "scan_id", res.ScanID, "error", err.Error())
		return nil
	}
	return concern
}
