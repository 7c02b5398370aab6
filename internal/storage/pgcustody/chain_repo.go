package pgcustody

import (
	"context"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ClaimDueChainChecks выбирает пачку заблокированных отгрузок, которым пора сверяться
// с блокчейном, и "бронирует" их на время lease через SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueChainChecks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE tx_hash IS NOT NULL AND tx_hash <> ''
  AND chain_next_check_at IS NOT NULL
  AND chain_next_check_at <= $1
ORDER BY chain_next_check_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due chain checks")
	}

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET chain_next_check_at = $2, updated_at = now() WHERE shipment_hash = $1`, sh.ShipmentHash, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.ChainNextCheckAt = &leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ApplyChainCheck stores a corroboration result. It never touches the local lock fields.
func (s *Storage) ApplyChainCheck(ctx context.Context, chk storage.ChainCheck) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if chk.Error != nil && *chk.Error != "" {
		tag, err = s.db.Exec(ctx, `
UPDATE shipments
SET
  chain_checked_at = $2,
  chain_fail_count = chain_fail_count + 1,
  chain_last_error = $3,
  chain_next_check_at = $4,
  updated_at = now()
WHERE shipment_hash = $1
`, chk.ShipmentHash, chk.CheckedAt.UTC(), *chk.Error, chk.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update chain check (error)")
		}
	} else {
		tag, err = s.db.Exec(ctx, `
UPDATE shipments
SET
  chain_status = $3,
  chain_locked = $4,
  chain_checked_at = $2,
  chain_fail_count = 0,
  chain_last_error = NULL,
  chain_next_check_at = $5,
  updated_at = now()
WHERE shipment_hash = $1
`, chk.ShipmentHash, chk.CheckedAt.UTC(), chk.Status, chk.Locked, chk.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update chain check (ok)")
		}
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(storage.ErrNotFound, "shipment %s", chk.ShipmentHash)
	}
	return nil
}
