package messages

import "time"

type ConcernRaised struct {
	ConcernID      string    `json:"concern_id"`
	ShipmentHash   string    `json:"shipment_hash"`
	ContainerID    string    `json:"container_id"`
	ScanID         string    `json:"scan_id"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	Description    string    `json:"description"`
	ReporterWallet string    `json:"reporter_wallet"`
	ReporterRole   string    `json:"reporter_role"`
	SupplierWallet string    `json:"supplier_wallet"`
	CreatedAt      time.Time `json:"created_at"`
}
