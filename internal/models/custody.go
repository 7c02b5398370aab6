package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSupplier    Role = "SUPPLIER"
	RoleTransporter Role = "TRANSPORTER"
	RoleWarehouse   Role = "WAREHOUSE"
	RoleRetailer    Role = "RETAILER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSupplier, RoleTransporter, RoleWarehouse, RoleRetailer:
		return true
	}
	return false
}

type ContainerStatus string

const (
	ContainerCreated     ContainerStatus = "CREATED"
	ContainerScanned     ContainerStatus = "SCANNED"
	ContainerInTransit   ContainerStatus = "IN_TRANSIT"
	ContainerAtWarehouse ContainerStatus = "AT_WAREHOUSE"
	ContainerDelivered   ContainerStatus = "DELIVERED"
)

type ShipmentStatus string

const (
	ShipmentCreated          ShipmentStatus = "CREATED"
	ShipmentReadyForDispatch ShipmentStatus = "READY_FOR_DISPATCH"
	ShipmentInTransit        ShipmentStatus = "IN_TRANSIT"
	ShipmentAtWarehouse      ShipmentStatus = "AT_WAREHOUSE"
	ShipmentDelivered        ShipmentStatus = "DELIVERED"
)

type ScanAction string

const (
	// first leg, supplier -> warehouse
	ActionCustodyPickup ScanAction = "CUSTODY_PICKUP"
	// second leg, warehouse -> retailer
	ActionDispatchConfirm ScanAction = "DISPATCH_CONFIRM"
	ActionCustodyReceive  ScanAction = "CUSTODY_RECEIVE"
	ActionFinalDelivery   ScanAction = "FINAL_DELIVERY"
	ActionVerifyOnly      ScanAction = "VERIFY_ONLY"
)

type ScanResult string

const (
	ScanAccepted ScanResult = "ACCEPTED"
	ScanRejected ScanResult = "REJECTED"
)

type Shipment struct {
	ShipmentHash         string
	SupplierWallet       string
	BatchID              string
	NumberOfContainers   int
	QuantityPerContainer int
	TotalQuantity        int

	TxHash      *string
	BlockNumber *uint64
	LockedAt    *time.Time

	Status ShipmentStatus

	AssignedTransporter *string
	AssignedWarehouse   *string
	NextTransporter     *string
	AssignedRetailer    *string

	ChainStatus      *string
	ChainLocked      *bool
	ChainCheckedAt   *time.Time
	ChainNextCheckAt *time.Time
	ChainFailCount   int32
	ChainLastError   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLocked reports whether the supplier has anchored the shipment on chain.
func (s *Shipment) IsLocked() bool {
	return s.TxHash != nil && *s.TxHash != ""
}

type ScanActor struct {
	Wallet    string    `json:"wallet"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type Container struct {
	ContainerID   string
	ShipmentHash  string
	Status        ContainerStatus
	LastScanAt    *time.Time
	LastScannedBy *ScanActor
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StatusHistoryEntry struct {
	ID           uint64
	ShipmentHash string
	FromStatus   ShipmentStatus
	ToStatus     ShipmentStatus
	ContainerID  string
	ActorWallet  string
	ActorRole    Role
	ChangedAt    time.Time
}

type Actor struct {
	WalletAddress string `json:"walletAddress"`
	Role          Role   `json:"role"`
}

// BlockchainSnapshot is the custody gate's view of the shipment lock at scan time.
type BlockchainSnapshot struct {
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	IsLocked    bool      `json:"isLocked"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
	Source      string    `json:"source"`
	ChainStatus string    `json:"chainStatus,omitempty"`
	ChainLocked *bool     `json:"chainLocked,omitempty"`
	ChainError  string    `json:"chainError,omitempty"`
}

type ShipmentSnapshot struct {
	ShipmentHash        string         `json:"shipmentHash"`
	SupplierWallet      string         `json:"supplierWallet"`
	BatchID             string         `json:"batchId"`
	Status              ShipmentStatus `json:"status"`
	NumberOfContainers  int            `json:"numberOfContainers"`
	TotalQuantity       int            `json:"totalQuantity"`
	AssignedTransporter string         `json:"assignedTransporter,omitempty"`
	AssignedWarehouse   string         `json:"assignedWarehouse,omitempty"`
	NextTransporter     string         `json:"nextTransporter,omitempty"`
	AssignedRetailer    string         `json:"assignedRetailer,omitempty"`
}

func SnapshotOf(s *Shipment) ShipmentSnapshot {
	return ShipmentSnapshot{
		ShipmentHash:        s.ShipmentHash,
		SupplierWallet:      s.SupplierWallet,
		BatchID:             s.BatchID,
		Status:              s.Status,
		NumberOfContainers:  s.NumberOfContainers,
		TotalQuantity:       s.TotalQuantity,
		AssignedTransporter: Deref(s.AssignedTransporter),
		AssignedWarehouse:   Deref(s.AssignedWarehouse),
		NextTransporter:     Deref(s.NextTransporter),
		AssignedRetailer:    Deref(s.AssignedRetailer),
	}
}

type ScanLog struct {
	ScanID          string
	ContainerID     *string
	ShipmentHash    *string
	Actor           Actor
	Action          ScanAction
	Result          ScanResult
	RejectionReason *string
	Location        string
	PreviousStatus  *ContainerStatus
	NewStatus       *ContainerStatus

	ShipmentSnapshot   json.RawMessage
	BlockchainSnapshot json.RawMessage

	ScannedAt time.Time
}

type ShipmentCreateInput struct {
	ShipmentHash         string
	SupplierWallet       string
	BatchID              string
	ContainerIDs         []string
	QuantityPerContainer int
}

type Assignments struct {
	AssignedTransporter *string
	AssignedWarehouse   *string
	NextTransporter     *string
	AssignedRetailer    *string
}

// PendingContainer is a container awaiting a scan by a given actor.
type PendingContainer struct {
	ContainerID  string
	ShipmentHash string
	BatchID      string
	Status       ContainerStatus
	Action       ScanAction
	UpdatedAt    time.Time
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func Ptr[T any](v T) *T { return &v }
