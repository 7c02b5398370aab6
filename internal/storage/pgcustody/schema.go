package pgcustody

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  shipment_hash TEXT PRIMARY KEY,
  supplier_wallet TEXT NOT NULL,
  batch_id TEXT NOT NULL,
  number_of_containers INT NOT NULL,
  quantity_per_container INT NOT NULL,
  total_quantity INT NOT NULL,
  tx_hash TEXT NULL,
  block_number BIGINT NULL,
  locked_at TIMESTAMPTZ NULL,
  status TEXT NOT NULL,
  assigned_transporter TEXT NULL,
  assigned_warehouse TEXT NULL,
  next_transporter TEXT NULL,
  assigned_retailer TEXT NULL,
  chain_status TEXT NULL,
  chain_locked BOOLEAN NULL,
  chain_checked_at TIMESTAMPTZ NULL,
  chain_next_check_at TIMESTAMPTZ NULL,
  chain_fail_count INT NOT NULL DEFAULT 0,
  chain_last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CHECK (total_quantity = number_of_containers * quantity_per_container)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_chain_next_check_at ON shipments(chain_next_check_at) WHERE tx_hash IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS containers (
  container_id TEXT PRIMARY KEY,
  shipment_hash TEXT NOT NULL REFERENCES shipments(shipment_hash),
  status TEXT NOT NULL,
  last_scan_at TIMESTAMPTZ NULL,
  last_scanned_by JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_containers_shipment_hash ON containers(shipment_hash)`,
		`
CREATE TABLE IF NOT EXISTS shipment_status_history (
  id BIGSERIAL PRIMARY KEY,
  shipment_hash TEXT NOT NULL REFERENCES shipments(shipment_hash),
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  container_id TEXT NOT NULL DEFAULT '',
  actor_wallet TEXT NOT NULL DEFAULT '',
  actor_role TEXT NOT NULL DEFAULT '',
  changed_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_shipment ON shipment_status_history(shipment_hash, changed_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS scan_logs (
  scan_id TEXT PRIMARY KEY,
  container_id TEXT NULL,
  shipment_hash TEXT NULL,
  actor_wallet TEXT NOT NULL,
  actor_role TEXT NOT NULL,
  action TEXT NOT NULL,
  result TEXT NOT NULL,
  rejection_reason TEXT NULL,
  location TEXT NOT NULL DEFAULT '',
  previous_status TEXT NULL,
  new_status TEXT NULL,
  shipment_snapshot JSONB NULL,
  blockchain_snapshot JSONB NULL,
  scanned_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_shipment ON scan_logs(shipment_hash, scanned_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_container ON scan_logs(container_id, scanned_at DESC)`,
		// Не больше одной принятой записи на (контейнер, действие, роль).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_scan_logs_accepted ON scan_logs(container_id, action, actor_role) WHERE result = 'ACCEPTED'`,
		`
CREATE TABLE IF NOT EXISTS shipment_concerns (
  concern_id UUID PRIMARY KEY,
  shipment_hash TEXT NOT NULL,
  container_id TEXT NOT NULL,
  scan_id TEXT NOT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL,
  description TEXT NOT NULL,
  reporter_wallet TEXT NOT NULL,
  reporter_role TEXT NOT NULL,
  supplier_wallet TEXT NOT NULL,
  status TEXT NOT NULL,
  notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
  notified_at TIMESTAMPTZ NULL,
  acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
  acknowledged_at TIMESTAMPTZ NULL,
  resolution_note TEXT NULL,
  resolved_by TEXT NULL,
  resolved_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_concerns_shipment ON shipment_concerns(shipment_hash, created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
