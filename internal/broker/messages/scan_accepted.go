package messages

import "time"

// ScanAccepted is published after an accepted scan commits. Replays are not published.
type ScanAccepted struct {
	ScanID       string    `json:"scan_id"`
	ContainerID  string    `json:"container_id"`
	ShipmentHash string    `json:"shipment_hash"`
	Action       string    `json:"action"`
	ActorWallet  string    `json:"actor_wallet"`
	ActorRole    string    `json:"actor_role"`
	ScannedAt    time.Time `json:"scanned_at"`

	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`

	ShipmentPreviousStatus string `json:"shipment_previous_status"`
	ShipmentStatus         string `json:"shipment_status"`
	ShipmentStatusChanged  bool   `json:"shipment_status_changed"`

	Location string `json:"location,omitempty"`
}
