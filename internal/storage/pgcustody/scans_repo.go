package pgcustody

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const scanLogColumns = `
  scan_id, container_id, shipment_hash, actor_wallet, actor_role,
  action, result, rejection_reason, location,
  previous_status, new_status, shipment_snapshot, blockchain_snapshot, scanned_at`

func scanScanLog(row rowScanner) (*models.ScanLog, error) {
	var l models.ScanLog
	var shipmentSnap, chainSnap []byte
	if err := row.Scan(
		&l.ScanID, &l.ContainerID, &l.ShipmentHash, &l.Actor.WalletAddress, &l.Actor.Role,
		&l.Action, &l.Result, &l.RejectionReason, &l.Location,
		&l.PreviousStatus, &l.NewStatus, &shipmentSnap, &chainSnap, &l.ScannedAt,
	); err != nil {
		return nil, err
	}
	if len(shipmentSnap) > 0 {
		l.ShipmentSnapshot = json.RawMessage(shipmentSnap)
	}
	if len(chainSnap) > 0 {
		l.BlockchainSnapshot = json.RawMessage(chainSnap)
	}
	return &l, nil
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertScanLog(ctx context.Context, q queryer, l *models.ScanLog, onConflictAccepted bool) (bool, error) {
	sql := `
INSERT INTO scan_logs (` + scanLogColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	if onConflictAccepted {
		sql += `
ON CONFLICT (container_id, action, actor_role) WHERE result = 'ACCEPTED' DO NOTHING`
	}
	tag, err := q.Exec(ctx, sql,
		l.ScanID, l.ContainerID, l.ShipmentHash, l.Actor.WalletAddress, l.Actor.Role,
		l.Action, l.Result, l.RejectionReason, l.Location,
		l.PreviousStatus, l.NewStatus, rawJSON(l.ShipmentSnapshot), rawJSON(l.BlockchainSnapshot), l.ScannedAt.UTC(),
	)
	if err != nil {
		return false, errors.Wrap(err, "insert scan log")
	}
	return tag.RowsAffected() > 0, nil
}

func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// InsertScanLog appends a non-accepted ledger entry (rejection or internal error).
func (s *Storage) InsertScanLog(ctx context.Context, l *models.ScanLog) error {
	_, err := insertScanLog(ctx, s.db, l, false)
	return err
}

func (s *Storage) AcceptedScans(ctx context.Context, containerID string) ([]*models.ScanLog, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE container_id = $1 AND result = $2
ORDER BY scanned_at ASC
`, containerID, models.ScanAccepted)
	if err != nil {
		return nil, errors.Wrap(err, "select accepted scans")
	}
	return collectScanLogs(rows)
}

func (s *Storage) GetAcceptedScan(ctx context.Context, containerID string, action models.ScanAction, role models.Role) (*models.ScanLog, error) {
	return getAcceptedScan(ctx, s.db, containerID, action, role)
}

func getAcceptedScan(ctx context.Context, q queryer, containerID string, action models.ScanAction, role models.Role) (*models.ScanLog, error) {
	l, err := scanScanLog(q.QueryRow(ctx, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE container_id = $1 AND action = $2 AND actor_role = $3 AND result = $4
`, containerID, action, role, models.ScanAccepted))
	if err != nil {
		return nil, notFound(err, "select accepted scan")
	}
	return l, nil
}

// CommitScan applies an accepted scan in one transaction: shipment row lock, ledger
// dedup lookup, container compare-and-swap, shipment derivation and ledger insert.
func (s *Storage) CommitScan(ctx context.Context, c storage.ScanCommit) (*storage.CommitResult, error) {
	if !custody.CanTransition(c.From, c.To) {
		return nil, errors.Wrapf(storage.ErrInvalidTransition, "%s -> %s", c.From, c.To)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.ShipmentStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM shipments WHERE shipment_hash = $1 FOR UPDATE`, c.ShipmentHash).Scan(&current); err != nil {
		return nil, notFound(err, "lock shipment")
	}

	existing, err := getAcceptedScan(ctx, tx, c.ContainerID, c.Log.Action, c.Actor.Role)
	switch {
	case err == nil:
		container, err := scanContainer(tx.QueryRow(ctx, `SELECT `+containerColumns+` FROM containers WHERE container_id = $1`, c.ContainerID))
		if err != nil {
			return nil, notFound(err, "select container")
		}
		return &storage.CommitResult{
			Log:              existing,
			Container:        container,
			Duplicate:        true,
			ShipmentPrevious: current,
			ShipmentCurrent:  current,
		}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	lastBy, err := json.Marshal(c.Actor)
	if err != nil {
		return nil, errors.Wrap(err, "marshal actor")
	}
	container, err := scanContainer(tx.QueryRow(ctx, `
UPDATE containers
SET status = $3, last_scan_at = $4, last_scanned_by = $5, updated_at = now()
WHERE container_id = $1 AND status = $2
RETURNING `+containerColumns, c.ContainerID, c.From, c.To, c.Actor.Timestamp.UTC(), lastBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(storage.ErrStatusConflict, "container %s", c.ContainerID)
		}
		return nil, errors.Wrap(err, "update container")
	}

	res := &storage.CommitResult{
		Container:        container,
		ShipmentPrevious: current,
		ShipmentCurrent:  current,
	}
	if c.UpdateShipment {
		ref, err := deriveAndStore(ctx, tx, c.ShipmentHash, current, c.ContainerID, c.Actor)
		if err != nil {
			return nil, err
		}
		res.ShipmentCurrent = ref.Current
		res.StatusChanged = ref.Changed
	}

	inserted, err := insertScanLog(ctx, tx, c.Log, true)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Гонка с писателем, не бравшим блокировку отгрузки: откатываем всё.
		return nil, errors.Wrapf(storage.ErrDuplicateScan, "container %s", c.ContainerID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	res.Log = c.Log
	return res, nil
}

func (s *Storage) ListScansByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ScanLog, error) {
	limit, offset = storage.Page(limit, offset)
	rows, err := s.db.Query(ctx, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE shipment_hash = $1
ORDER BY scanned_at DESC, scan_id DESC
LIMIT $2 OFFSET $3
`, hash, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select scans by shipment")
	}
	return collectScanLogs(rows)
}

func (s *Storage) ListScansByContainer(ctx context.Context, containerID string, limit, offset int) ([]*models.ScanLog, error) {
	limit, offset = storage.Page(limit, offset)
	rows, err := s.db.Query(ctx, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE container_id = $1
ORDER BY scanned_at DESC, scan_id DESC
LIMIT $2 OFFSET $3
`, containerID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select scans by container")
	}
	return collectScanLogs(rows)
}

func collectScanLogs(rows pgx.Rows) ([]*models.ScanLog, error) {
	defer rows.Close()
	out := []*models.ScanLog{}
	for rows.Next() {
		l, err := scanScanLog(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scan log")
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

var slotColumns = map[custody.AssignmentSlot]string{
	custody.SlotAssignedTransporter: "assigned_transporter",
	custody.SlotAssignedWarehouse:   "assigned_warehouse",
	custody.SlotNextTransporter:     "next_transporter",
	custody.SlotAssignedRetailer:    "assigned_retailer",
}

// ListPending returns containers of locked shipments awaiting a scan by the actor.
func (s *Storage) ListPending(ctx context.Context, actor models.Actor, rules []custody.PendingRule, limit int) ([]*models.PendingContainer, error) {
	limit, _ = storage.Page(limit, 0)
	out := []*models.PendingContainer{}
	seen := map[string]bool{}

	for _, rule := range rules {
		col, ok := slotColumns[rule.Slot]
		if !ok {
			return nil, fmt.Errorf("unknown assignment slot %q", rule.Slot)
		}
		statuses := make([]string, 0, len(rule.Statuses))
		for _, st := range rule.Statuses {
			statuses = append(statuses, string(st))
		}

		rows, err := s.db.Query(ctx, `
SELECT c.container_id, c.shipment_hash, s.batch_id, c.status, c.updated_at
FROM containers c
JOIN shipments s ON s.shipment_hash = c.shipment_hash
WHERE s.tx_hash IS NOT NULL AND s.tx_hash <> ''
  AND lower(s.`+col+`) = lower($1)
  AND c.status = ANY($2)
  AND NOT EXISTS (
    SELECT 1 FROM scan_logs l
    WHERE l.container_id = c.container_id
      AND l.action = $3
      AND l.actor_role = $4
      AND l.result = 'ACCEPTED'
  )
ORDER BY c.updated_at ASC
LIMIT $5
`, actor.WalletAddress, statuses, rule.Action, actor.Role, limit)
		if err != nil {
			return nil, errors.Wrap(err, "select pending")
		}
		for rows.Next() {
			p := &models.PendingContainer{Action: rule.Action}
			if err := rows.Scan(&p.ContainerID, &p.ShipmentHash, &p.BatchID, &p.Status, &p.UpdatedAt); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan pending")
			}
			if !seen[p.ContainerID] {
				seen[p.ContainerID] = true
				out = append(out, p)
			}
		}
		rows.Close()
		if rows.Err() != nil {
			return nil, errors.Wrap(rows.Err(), "rows")
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
