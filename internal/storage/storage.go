// Package storage holds the contract shared by the custody stores: sentinel errors and
// the unit-of-work types passed to them.
package storage

import (
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means the container left the expected status between read and write.
	ErrStatusConflict = errors.New("container status changed concurrently")
	// ErrDuplicateScan means the ledger unique index fired for (container, action, role).
	ErrDuplicateScan     = errors.New("scan already recorded")
	ErrInvalidTransition = errors.New("invalid container status transition")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyLocked     = errors.New("shipment already locked")
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// Page normalizes limit/offset of list queries.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ScanCommit is one accepted scan: the container compare-and-swap, the optional shipment
// status derivation and the ledger entry, applied atomically.
type ScanCommit struct {
	ContainerID  string
	ShipmentHash string
	From         models.ContainerStatus
	To           models.ContainerStatus
	Actor        models.ScanActor

	// UpdateShipment re-derives the shipment status inside the same transaction.
	UpdateShipment bool

	Log *models.ScanLog
}

type CommitResult struct {
	Log       *models.ScanLog
	Container *models.Container

	// Duplicate is set when an accepted entry for the same (container, action, role)
	// already existed; nothing was mutated and Log is the stored entry.
	Duplicate bool

	ShipmentPrevious models.ShipmentStatus
	ShipmentCurrent  models.ShipmentStatus
	StatusChanged    bool
}

// StatusRefresh is the outcome of re-deriving a shipment status outside a scan.
type StatusRefresh struct {
	Previous models.ShipmentStatus
	Current  models.ShipmentStatus
	Changed  bool
}

// ChainCheck is the result of one corroboration against the chain verifier.
type ChainCheck struct {
	ShipmentHash string
	CheckedAt    time.Time
	Status       string
	Locked       *bool
	NextCheckAt  time.Time
	Error        *string
}

// LockInput anchors a shipment on chain.
type LockInput struct {
	ShipmentHash string
	TxHash       string
	BlockNumber  *uint64
	LockedAt     time.Time
}
