// Package memcustody is an in-process custody store with the same contract as the
// PostgreSQL one. A single mutex makes every commit one atomic unit.
package memcustody

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

type ledgerKey struct {
	containerID string
	action      models.ScanAction
	role        models.Role
}

type Store struct {
	mu sync.RWMutex

	shipments  map[string]*models.Shipment
	containers map[string]*models.Container
	byShipment map[string][]string
	history    []*models.StatusHistoryEntry
	logs       []*models.ScanLog
	accepted   map[ledgerKey]*models.ScanLog
	concerns   map[string]*models.ShipmentConcern

	now func() time.Time
}

func New() *Store {
	return &Store{
		shipments:  make(map[string]*models.Shipment),
		containers: make(map[string]*models.Container),
		byShipment: make(map[string][]string),
		accepted:   make(map[ledgerKey]*models.ScanLog),
		concerns:   make(map[string]*models.ShipmentConcern),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func copyShipment(s *models.Shipment) *models.Shipment {
	c := *s
	return &c
}

func copyContainer(c *models.Container) *models.Container {
	out := *c
	if c.LastScannedBy != nil {
		a := *c.LastScannedBy
		out.LastScannedBy = &a
	}
	return &out
}

func copyConcern(c *models.ShipmentConcern) *models.ShipmentConcern {
	out := *c
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	return &out
}

func (s *Store) Ping(ctx context.Context) error { return ctxErr(ctx) }

func (s *Store) Close() {}

func (s *Store) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shipments[in.ShipmentHash]; ok {
		return nil, errors.Wrapf(storage.ErrAlreadyExists, "shipment %s", in.ShipmentHash)
	}
	for _, id := range in.ContainerIDs {
		if _, ok := s.containers[id]; ok {
			return nil, errors.Wrapf(storage.ErrAlreadyExists, "container %s", id)
		}
	}

	now := s.now()
	n := len(in.ContainerIDs)
	sh := &models.Shipment{
		ShipmentHash:         in.ShipmentHash,
		SupplierWallet:       in.SupplierWallet,
		BatchID:              in.BatchID,
		NumberOfContainers:   n,
		QuantityPerContainer: in.QuantityPerContainer,
		TotalQuantity:        n * in.QuantityPerContainer,
		Status:               models.ShipmentCreated,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.shipments[sh.ShipmentHash] = sh
	for _, id := range in.ContainerIDs {
		s.containers[id] = &models.Container{
			ContainerID:  id,
			ShipmentHash: sh.ShipmentHash,
			Status:       models.ContainerCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.byShipment[sh.ShipmentHash] = append(s.byShipment[sh.ShipmentHash], id)
	}
	return copyShipment(sh), nil
}

func (s *Store) GetShipment(ctx context.Context, hash string) (*models.Shipment, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shipments[hash]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "shipment %s", hash)
	}
	return copyShipment(sh), nil
}

func (s *Store) GetContainer(ctx context.Context, containerID string) (*models.Container, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[containerID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "container %s", containerID)
	}
	return copyContainer(c), nil
}

func (s *Store) ListContainers(ctx context.Context, hash string) ([]*models.Container, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]string(nil), s.byShipment[hash]...)
	sort.Strings(ids)
	out := make([]*models.Container, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyContainer(s.containers[id]))
	}
	return out, nil
}

func (s *Store) LockShipment(ctx context.Context, in storage.LockInput) (*models.Shipment, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[in.ShipmentHash]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "shipment %s", in.ShipmentHash)
	}
	if sh.IsLocked() {
		return nil, errors.Wrapf(storage.ErrAlreadyLocked, "shipment %s", in.ShipmentHash)
	}
	at := in.LockedAt.UTC()
	sh.TxHash = models.Ptr(in.TxHash)
	if in.BlockNumber != nil {
		sh.BlockNumber = models.Ptr(*in.BlockNumber)
	}
	sh.LockedAt = &at
	sh.Status = models.ShipmentReadyForDispatch
	sh.ChainNextCheckAt = &at
	sh.UpdatedAt = s.now()
	return copyShipment(sh), nil
}

func applySlot(dst **string, v *string) {
	if v == nil {
		return
	}
	if *v == "" {
		*dst = nil
		return
	}
	*dst = models.Ptr(*v)
}

func (s *Store) UpdateAssignments(ctx context.Context, hash string, a models.Assignments) (*models.Shipment, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[hash]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "shipment %s", hash)
	}
	applySlot(&sh.AssignedTransporter, a.AssignedTransporter)
	applySlot(&sh.AssignedWarehouse, a.AssignedWarehouse)
	applySlot(&sh.NextTransporter, a.NextTransporter)
	applySlot(&sh.AssignedRetailer, a.AssignedRetailer)
	sh.UpdatedAt = s.now()
	return copyShipment(sh), nil
}

func (s *Store) RefreshShipmentStatus(ctx context.Context, hash string, actor models.ScanActor) (*storage.StatusRefresh, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[hash]; !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "shipment %s", hash)
	}
	return s.deriveLocked(hash, "", actor), nil
}

// deriveLocked must be called with s.mu held for writing.
func (s *Store) deriveLocked(hash, containerID string, actor models.ScanActor) *storage.StatusRefresh {
	sh := s.shipments[hash]
	statuses := make([]models.ContainerStatus, 0, len(s.byShipment[hash]))
	for _, id := range s.byShipment[hash] {
		statuses = append(statuses, s.containers[id].Status)
	}

	res := &storage.StatusRefresh{Previous: sh.Status, Current: sh.Status}
	derived := custody.DeriveShipmentStatus(statuses)
	if derived == sh.Status {
		return res
	}

	s.history = append(s.history, &models.StatusHistoryEntry{
		ID:           uint64(len(s.history) + 1),
		ShipmentHash: hash,
		FromStatus:   sh.Status,
		ToStatus:     derived,
		ContainerID:  containerID,
		ActorWallet:  actor.Wallet,
		ActorRole:    actor.Role,
		ChangedAt:    actor.Timestamp.UTC(),
	})
	sh.Status = derived
	sh.UpdatedAt = s.now()
	res.Current = derived
	res.Changed = true
	return res
}

func (s *Store) ListStatusHistory(ctx context.Context, hash string) ([]*models.StatusHistoryEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StatusHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ShipmentHash == hash {
			h := *s.history[i]
			out = append(out, &h)
		}
	}
	return out, nil
}

func (s *Store) CommitScan(ctx context.Context, c storage.ScanCommit) (*storage.CommitResult, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if !custody.CanTransition(c.From, c.To) {
		return nil, errors.Wrapf(storage.ErrInvalidTransition, "%s -> %s", c.From, c.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shipments[c.ShipmentHash]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "shipment %s", c.ShipmentHash)
	}
	container, ok := s.containers[c.ContainerID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "container %s", c.ContainerID)
	}

	key := ledgerKey{containerID: c.ContainerID, action: c.Log.Action, role: c.Actor.Role}
	if existing, ok := s.accepted[key]; ok {
		l := *existing
		return &storage.CommitResult{
			Log:              &l,
			Container:        copyContainer(container),
			Duplicate:        true,
			ShipmentPrevious: sh.Status,
			ShipmentCurrent:  sh.Status,
		}, nil
	}

	if container.Status != c.From {
		return nil, errors.Wrapf(storage.ErrStatusConflict, "container %s", c.ContainerID)
	}

	at := c.Actor.Timestamp.UTC()
	actor := c.Actor
	container.Status = c.To
	container.LastScanAt = &at
	container.LastScannedBy = &actor
	container.UpdatedAt = s.now()

	res := &storage.CommitResult{
		Container:        copyContainer(container),
		ShipmentPrevious: sh.Status,
		ShipmentCurrent:  sh.Status,
	}
	if c.UpdateShipment {
		ref := s.deriveLocked(c.ShipmentHash, c.ContainerID, c.Actor)
		res.ShipmentCurrent = ref.Current
		res.StatusChanged = ref.Changed
	}

	l := *c.Log
	s.logs = append(s.logs, &l)
	s.accepted[key] = &l
	res.Log = c.Log
	return res, nil
}

func (s *Store) InsertScanLog(ctx context.Context, l *models.ScanLog) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) AcceptedScans(ctx context.Context, containerID string) ([]*models.ScanLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScanLog
	for _, l := range s.logs {
		if l.Result == models.ScanAccepted && models.Deref(l.ContainerID) == containerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetAcceptedScan(ctx context.Context, containerID string, action models.ScanAction, role models.Role) (*models.ScanLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.accepted[ledgerKey{containerID: containerID, action: action, role: role}]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "accepted scan %s/%s/%s", containerID, action, role)
	}
	cp := *l
	return &cp, nil
}

func (s *Store) listLogs(match func(*models.ScanLog) bool, limit, offset int) []*models.ScanLog {
	limit, offset = storage.Page(limit, offset)
	var matched []*models.ScanLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if match(s.logs[i]) {
			cp := *s.logs[i]
			matched = append(matched, &cp)
		}
	}
	// newest first; ties keep reverse insertion order
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ScannedAt.After(matched[j].ScannedAt) })
	out := []*models.ScanLog{}
	if offset >= len(matched) {
		return out
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return append(out, matched[offset:end]...)
}

func (s *Store) ListScansByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ScanLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLogs(func(l *models.ScanLog) bool { return models.Deref(l.ShipmentHash) == hash }, limit, offset), nil
}

func (s *Store) ListScansByContainer(ctx context.Context, containerID string, limit, offset int) ([]*models.ScanLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLogs(func(l *models.ScanLog) bool { return models.Deref(l.ContainerID) == containerID }, limit, offset), nil
}

func (s *Store) ListPending(ctx context.Context, actor models.Actor, rules []custody.PendingRule, limit int) ([]*models.PendingContainer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	limit, _ = storage.Page(limit, 0)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.PendingContainer{}
	seen := map[string]bool{}
	for _, rule := range rules {
		for hash, sh := range s.shipments {
			if !sh.IsLocked() || !custody.SameWallet(custody.AssignmentOf(sh).SlotValue(rule.Slot), actor.WalletAddress) {
				continue
			}
			for _, id := range s.byShipment[hash] {
				c := s.containers[id]
				if seen[id] || !hasStatus(rule.Statuses, c.Status) {
					continue
				}
				if _, done := s.accepted[ledgerKey{containerID: id, action: rule.Action, role: actor.Role}]; done {
					continue
				}
				seen[id] = true
				out = append(out, &models.PendingContainer{
					ContainerID:  id,
					ShipmentHash: hash,
					BatchID:      sh.BatchID,
					Status:       c.Status,
					Action:       rule.Action,
					UpdatedAt:    c.UpdatedAt,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return strings.Compare(out[i].ContainerID, out[j].ContainerID) < 0
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasStatus(list []models.ContainerStatus, st models.ContainerStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

func (s *Store) InsertConcern(ctx context.Context, c *models.ShipmentConcern) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.concerns[c.ConcernID]; ok {
		return errors.Wrapf(storage.ErrAlreadyExists, "concern %s", c.ConcernID)
	}
	cp := copyConcern(c)
	cp.UpdatedAt = cp.CreatedAt
	s.concerns[c.ConcernID] = cp
	return nil
}

func (s *Store) GetConcern(ctx context.Context, concernID string) (*models.ShipmentConcern, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.concerns[concernID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "concern %s", concernID)
	}
	return copyConcern(c), nil
}

func (s *Store) AcknowledgeConcern(ctx context.Context, concernID string, at time.Time) (*models.ShipmentConcern, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concerns[concernID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "concern %s", concernID)
	}
	c.Acknowledged = true
	if c.AcknowledgedAt == nil {
		t := at.UTC()
		c.AcknowledgedAt = &t
	}
	if c.Status == models.ConcernOpen {
		c.Status = models.ConcernAcknowledged
	}
	c.UpdatedAt = s.now()
	return copyConcern(c), nil
}

func (s *Store) ResolveConcern(ctx context.Context, concernID string, res models.ConcernResolution) (*models.ShipmentConcern, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concerns[concernID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "concern %s", concernID)
	}
	res.ResolvedAt = res.ResolvedAt.UTC()
	c.Status = models.ConcernResolved
	c.Acknowledged = true
	if c.AcknowledgedAt == nil {
		t := res.ResolvedAt
		c.AcknowledgedAt = &t
	}
	c.Resolution = &res
	c.UpdatedAt = s.now()
	return copyConcern(c), nil
}

func (s *Store) MarkConcernNotified(ctx context.Context, concernID string, at time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concerns[concernID]
	if !ok {
		return errors.Wrapf(storage.ErrNotFound, "concern %s", concernID)
	}
	t := at.UTC()
	c.NotificationSent = true
	c.NotifiedAt = &t
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListConcernsByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ShipmentConcern, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	limit, offset = storage.Page(limit, offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.ShipmentConcern
	for _, c := range s.concerns {
		if c.ShipmentHash == hash {
			matched = append(matched, copyConcern(c))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ConcernID > matched[j].ConcernID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	out := []*models.ShipmentConcern{}
	if offset >= len(matched) {
		return out, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return append(out, matched[offset:end]...), nil
}

func (s *Store) ClaimDueChainChecks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Shipment
	for _, sh := range s.shipments {
		if sh.IsLocked() && sh.ChainNextCheckAt != nil && !sh.ChainNextCheckAt.After(now) {
			due = append(due, sh)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ChainNextCheckAt.Before(*due[j].ChainNextCheckAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.UTC().Add(lease)
	out := make([]*models.Shipment, 0, len(due))
	for _, sh := range due {
		t := leaseUntil
		sh.ChainNextCheckAt = &t
		out = append(out, copyShipment(sh))
	}
	return out, nil
}

func (s *Store) ApplyChainCheck(ctx context.Context, chk storage.ChainCheck) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[chk.ShipmentHash]
	if !ok {
		return errors.Wrapf(storage.ErrNotFound, "shipment %s", chk.ShipmentHash)
	}
	checked := chk.CheckedAt.UTC()
	next := chk.NextCheckAt.UTC()
	sh.ChainCheckedAt = &checked
	sh.ChainNextCheckAt = &next
	if chk.Error != nil && *chk.Error != "" {
		sh.ChainFailCount++
		sh.ChainLastError = models.Ptr(*chk.Error)
	} else {
		sh.ChainStatus = models.Ptr(chk.Status)
		sh.ChainLocked = chk.Locked
		sh.ChainFailCount = 0
		sh.ChainLastError = nil
	}
	sh.UpdatedAt = s.now()
	return nil
}
