package custody

import (
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
)

const (
	SnapshotSourceLocal        = "local"
	SnapshotSourceCorroborated = "local+chain"
)

// Gate checks the blockchain-lock precondition. It runs before any role check so an
// unlocked shipment reports the same reason to every actor. The snapshot is produced
// in both outcomes.
func Gate(s *models.Shipment, now time.Time) (models.BlockchainSnapshot, *Rejection) {
	snap := models.BlockchainSnapshot{
		TxHash:      models.Deref(s.TxHash),
		BlockNumber: s.BlockNumber,
		IsLocked:    s.IsLocked(),
		EvaluatedAt: now.UTC(),
		Source:      SnapshotSourceLocal,
	}
	if !snap.IsLocked {
		return snap, Reject(ReasonNotReadyForDispatch, "shipment %s is not locked on blockchain", s.ShipmentHash).
			With("shipmentHash", s.ShipmentHash).
			With("currentStatus", s.Status)
	}
	return snap, nil
}
