// Package chain is the read-only view of the custody contract used to corroborate
// local lock state.
package chain

import (
	"context"

	"github.com/pkg/errors"
)

const (
	StatusLocked   = "LOCKED"
	StatusUnlocked = "UNLOCKED"
	StatusUnknown  = "UNKNOWN"
)

var (
	ErrUnavailable = errors.New("chain verifier unavailable")
	ErrNotFound    = errors.New("shipment not on chain")
)

type ShipmentState struct {
	Status      string  `json:"status"`
	IsLocked    bool    `json:"isLocked"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	TxHash      string  `json:"txHash,omitempty"`
}

type Verifier interface {
	IsAvailable(ctx context.Context) bool
	GetShipment(ctx context.Context, shipmentHash string) (ShipmentState, error)
}
