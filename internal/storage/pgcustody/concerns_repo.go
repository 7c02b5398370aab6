package pgcustody

import (
	"context"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

const concernColumns = `
  concern_id::text, shipment_hash, container_id, scan_id,
  type, severity, description,
  reporter_wallet, reporter_role, supplier_wallet, status,
  notification_sent, notified_at, acknowledged, acknowledged_at,
  resolution_note, resolved_by, resolved_at,
  created_at, updated_at`

func scanConcern(row rowScanner) (*models.ShipmentConcern, error) {
	var c models.ShipmentConcern
	var note, by *string
	var resolvedAt *time.Time
	if err := row.Scan(
		&c.ConcernID, &c.ShipmentHash, &c.ContainerID, &c.ScanID,
		&c.Type, &c.Severity, &c.Description,
		&c.ReportedBy.WalletAddress, &c.ReportedBy.Role, &c.SupplierWallet, &c.Status,
		&c.NotificationSent, &c.NotifiedAt, &c.Acknowledged, &c.AcknowledgedAt,
		&note, &by, &resolvedAt,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if resolvedAt != nil {
		c.Resolution = &models.ConcernResolution{
			Note:       models.Deref(note),
			ResolvedBy: models.Deref(by),
			ResolvedAt: *resolvedAt,
		}
	}
	return &c, nil
}

func (s *Storage) InsertConcern(ctx context.Context, c *models.ShipmentConcern) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO shipment_concerns (
  concern_id, shipment_hash, container_id, scan_id,
  type, severity, description,
  reporter_wallet, reporter_role, supplier_wallet, status,
  created_at, updated_at
)
VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
`, c.ConcernID, c.ShipmentHash, c.ContainerID, c.ScanID,
		c.Type, c.Severity, c.Description,
		c.ReportedBy.WalletAddress, c.ReportedBy.Role, c.SupplierWallet, c.Status,
		c.CreatedAt.UTC())
	return errors.Wrap(err, "insert concern")
}

func (s *Storage) GetConcern(ctx context.Context, concernID string) (*models.ShipmentConcern, error) {
	c, err := scanConcern(s.db.QueryRow(ctx, `SELECT `+concernColumns+` FROM shipment_concerns WHERE concern_id::text = $1`, concernID))
	if err != nil {
		return nil, notFound(err, "select concern")
	}
	return c, nil
}

// AcknowledgeConcern marks the concern seen; a resolved concern keeps its status.
func (s *Storage) AcknowledgeConcern(ctx context.Context, concernID string, at time.Time) (*models.ShipmentConcern, error) {
	c, err := scanConcern(s.db.QueryRow(ctx, `
UPDATE shipment_concerns
SET
  acknowledged = TRUE,
  acknowledged_at = COALESCE(acknowledged_at, $2),
  status = CASE WHEN status = $3 THEN $4 ELSE status END,
  updated_at = now()
WHERE concern_id::text = $1
RETURNING `+concernColumns, concernID, at.UTC(), models.ConcernOpen, models.ConcernAcknowledged))
	if err != nil {
		return nil, notFound(err, "acknowledge concern")
	}
	return c, nil
}

func (s *Storage) ResolveConcern(ctx context.Context, concernID string, res models.ConcernResolution) (*models.ShipmentConcern, error) {
	c, err := scanConcern(s.db.QueryRow(ctx, `
UPDATE shipment_concerns
SET
  status = $2,
  acknowledged = TRUE,
  acknowledged_at = COALESCE(acknowledged_at, $5),
  resolution_note = $3,
  resolved_by = $4,
  resolved_at = $5,
  updated_at = now()
WHERE concern_id::text = $1
RETURNING `+concernColumns, concernID, models.ConcernResolved, res.Note, res.ResolvedBy, res.ResolvedAt.UTC()))
	if err != nil {
		return nil, notFound(err, "resolve concern")
	}
	return c, nil
}

func (s *Storage) MarkConcernNotified(ctx context.Context, concernID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipment_concerns
SET notification_sent = TRUE, notified_at = $2, updated_at = now()
WHERE concern_id::text = $1
`, concernID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "mark concern notified")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(storage.ErrNotFound, "concern %s", concernID)
	}
	return nil
}

func (s *Storage) ListConcernsByShipment(ctx context.Context, hash string, limit, offset int) ([]*models.ShipmentConcern, error) {
	limit, offset = storage.Page(limit, offset)
	rows, err := s.db.Query(ctx, `
SELECT `+concernColumns+`
FROM shipment_concerns
WHERE shipment_hash = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, hash, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select concerns")
	}
	defer rows.Close()

	out := []*models.ShipmentConcern{}
	for rows.Next() {
		c, err := scanConcern(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan concern")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
