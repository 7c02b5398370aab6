package messages

import "time"

// ChainChecked reports one corroboration made by the chain sweep.
type ChainChecked struct {
	ShipmentHash string    `json:"shipment_hash"`
	CheckedAt    time.Time `json:"checked_at"`

	ChainStatus string  `json:"chain_status,omitempty"`
	ChainLocked *bool   `json:"chain_locked,omitempty"`
	BlockNumber *uint64 `json:"block_number,omitempty"`

	// Mismatch is set when the chain disagrees with the local lock.
	Mismatch bool `json:"mismatch"`

	NextCheckAt time.Time `json:"next_check_at"`
	Error       *string   `json:"error,omitempty"`
}
