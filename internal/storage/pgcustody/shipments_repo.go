package pgcustody

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  shipment_hash, supplier_wallet, batch_id,
  number_of_containers, quantity_per_container, total_quantity,
  tx_hash, block_number, locked_at, status,
  assigned_transporter, assigned_warehouse, next_transporter, assigned_retailer,
  chain_status, chain_locked, chain_checked_at, chain_next_check_at,
  chain_fail_count, chain_last_error,
  created_at, updated_at`

const containerColumns = `
  container_id, shipment_hash, status, last_scan_at, last_scanned_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	var block *int64
	if err := row.Scan(
		&sh.ShipmentHash, &sh.SupplierWallet, &sh.BatchID,
		&sh.NumberOfContainers, &sh.QuantityPerContainer, &sh.TotalQuantity,
		&sh.TxHash, &block, &sh.LockedAt, &sh.Status,
		&sh.AssignedTransporter, &sh.AssignedWarehouse, &sh.NextTransporter, &sh.AssignedRetailer,
		&sh.ChainStatus, &sh.ChainLocked, &sh.ChainCheckedAt, &sh.ChainNextCheckAt,
		&sh.ChainFailCount, &sh.ChainLastError,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if block != nil {
		b := uint64(*block)
		sh.BlockNumber = &b
	}
	return &sh, nil
}

func scanContainer(row rowScanner) (*models.Container, error) {
	var c models.Container
	var lastBy []byte
	if err := row.Scan(&c.ContainerID, &c.ShipmentHash, &c.Status, &c.LastScanAt, &lastBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(lastBy) > 0 {
		var a models.ScanActor
		if err := json.Unmarshal(lastBy, &a); err != nil {
			return nil, errors.Wrap(err, "decode last_scanned_by")
		}
		c.LastScannedBy = &a
	}
	return &c, nil
}

func blockParam(b *uint64) *int64 {
	if b == nil {
		return nil
	}
	v := int64(*b)
	return &v
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(storage.ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n := len(in.ContainerIDs)
	tag, err := tx.Exec(ctx, `
INSERT INTO shipments (
  shipment_hash, supplier_wallet, batch_id,
  number_of_containers, quantity_per_container, total_quantity,
  status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (shipment_hash) DO NOTHING
`, in.ShipmentHash, in.SupplierWallet, in.BatchID, n, in.QuantityPerContainer, n*in.QuantityPerContainer,
		models.ShipmentCreated, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.Wrapf(storage.ErrAlreadyExists, "shipment %s", in.ShipmentHash)
	}

	for _, id := range in.ContainerIDs {
		tag, err := tx.Exec(ctx, `
INSERT INTO containers (container_id, shipment_hash, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (container_id) DO NOTHING
`, id, in.ShipmentHash, models.ContainerCreated, now)
		if err != nil {
			return nil, errors.Wrap(err, "insert container")
		}
		if tag.RowsAffected() == 0 {
			return nil, errors.Wrapf(storage.ErrAlreadyExists, "container %s", id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetShipment(ctx, in.ShipmentHash)
}

func (s *Storage) GetShipment(ctx context.Context, hash string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE shipment_hash = $1`, hash))
	if err != nil {
		return nil, notFound(err, "select shipment")
	}
	return sh, nil
}

func (s *Storage) GetContainer(ctx context.Context, containerID string) (*models.Container, error) {
	c, err := scanContainer(s.db.QueryRow(ctx, `SELECT `+containerColumns+` FROM containers WHERE container_id = $1`, containerID))
	if err != nil {
		return nil, notFound(err, "select container")
	}
	return c, nil
}

func (s *Storage) ListContainers(ctx context.Context, hash string) ([]*models.Container, error) {
	rows, err := s.db.Query(ctx, `SELECT `+containerColumns+` FROM containers WHERE shipment_hash = $1 ORDER BY container_id`, hash)
	if err != nil {
		return nil, errors.Wrap(err, "select containers")
	}
	defer rows.Close()

	var out []*models.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan container")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// LockShipment records the on-chain anchor. A shipment is locked at most once.
func (s *Storage) LockShipment(ctx context.Context, in storage.LockInput) (*models.Shipment, error) {
	at := in.LockedAt.UTC()
	sh, err := scanShipment(s.db.QueryRow(ctx, `
UPDATE shipments
SET
  tx_hash = $2,
  block_number = $3,
  locked_at = $4,
  status = $5,
  chain_next_check_at = $4,
  updated_at = now()
WHERE shipment_hash = $1
  AND (tx_hash IS NULL OR tx_hash = '')
RETURNING `+shipmentColumns, in.ShipmentHash, in.TxHash, blockParam(in.BlockNumber), at, models.ShipmentReadyForDispatch))
	if err == nil {
		return sh, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "lock shipment")
	}
	if _, err := s.GetShipment(ctx, in.ShipmentHash); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(storage.ErrAlreadyLocked, "shipment %s", in.ShipmentHash)
}

// UpdateAssignments changes only the slots that are set; an empty string clears a slot.
func (s *Storage) UpdateAssignments(ctx context.Context, hash string, a models.Assignments) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
UPDATE shipments
SET
  assigned_transporter = CASE WHEN $2::text IS NULL THEN assigned_transporter ELSE NULLIF($2::text, '') END,
  assigned_warehouse   = CASE WHEN $3::text IS NULL THEN assigned_warehouse   ELSE NULLIF($3::text, '') END,
  next_transporter     = CASE WHEN $4::text IS NULL THEN next_transporter     ELSE NULLIF($4::text, '') END,
  assigned_retailer    = CASE WHEN $5::text IS NULL THEN assigned_retailer    ELSE NULLIF($5::text, '') END,
  updated_at = now()
WHERE shipment_hash = $1
RETURNING `+shipmentColumns, hash, a.AssignedTransporter, a.AssignedWarehouse, a.NextTransporter, a.AssignedRetailer))
	if err != nil {
		return nil, notFound(err, "update assignments")
	}
	return sh, nil
}

// RefreshShipmentStatus re-derives the stored shipment status from its containers.
func (s *Storage) RefreshShipmentStatus(ctx context.Context, hash string, actor models.ScanActor) (*storage.StatusRefresh, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.ShipmentStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM shipments WHERE shipment_hash = $1 FOR UPDATE`, hash).Scan(&current); err != nil {
		return nil, notFound(err, "lock shipment")
	}

	res, err := deriveAndStore(ctx, tx, hash, current, "", actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return res, nil
}

// deriveAndStore runs inside a transaction that already holds the shipment row lock.
func deriveAndStore(ctx context.Context, tx pgx.Tx, hash string, current models.ShipmentStatus, containerID string, actor models.ScanActor) (*storage.StatusRefresh, error) {
	rows, err := tx.Query(ctx, `SELECT status FROM containers WHERE shipment_hash = $1`, hash)
	if err != nil {
		return nil, errors.Wrap(err, "select container statuses")
	}
	var statuses []models.ContainerStatus
	for rows.Next() {
		var st models.ContainerStatus
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan container status")
		}
		statuses = append(statuses, st)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	res := &storage.StatusRefresh{Previous: current, Current: current}
	derived := custody.DeriveShipmentStatus(statuses)
	if derived == current {
		return res, nil
	}

	tag, err := tx.Exec(ctx, `UPDATE shipments SET status = $3, updated_at = now() WHERE shipment_hash = $1 AND status = $2`,
		hash, current, derived)
	if err != nil {
		return nil, errors.Wrap(err, "update shipment status")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.Wrap(storage.ErrStatusConflict, "shipment status")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipment_status_history (shipment_hash, from_status, to_status, container_id, actor_wallet, actor_role, changed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, hash, current, derived, containerID, actor.Wallet, string(actor.Role), actor.Timestamp.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "insert status history")
	}

	res.Current = derived
	res.Changed = true
	return res, nil
}

func (s *Storage) ListStatusHistory(ctx context.Context, hash string) ([]*models.StatusHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, shipment_hash, from_status, to_status, container_id, actor_wallet, actor_role, changed_at
FROM shipment_status_history
WHERE shipment_hash = $1
ORDER BY changed_at DESC, id DESC
`, hash)
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}
	defer rows.Close()

	var out []*models.StatusHistoryEntry
	for rows.Next() {
		var h models.StatusHistoryEntry
		var id int64
		if err := rows.Scan(&id, &h.ShipmentHash, &h.FromStatus, &h.ToStatus, &h.ContainerID, &h.ActorWallet, &h.ActorRole, &h.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "scan status history")
		}
		h.ID = uint64(id)
		out = append(out, &h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
