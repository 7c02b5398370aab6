package custody

import "github.com/BearBump/CustodyBox/internal/models"

// DeriveShipmentStatus computes the shipment-level status from the statuses of all its
// containers. It depends only on the multiset of statuses, never on their order.
func DeriveShipmentStatus(statuses []models.ContainerStatus) models.ShipmentStatus {
	if len(statuses) == 0 {
		return models.ShipmentReadyForDispatch
	}

	var delivered, atWarehouse, inTransit int
	for _, s := range statuses {
		switch s {
		case models.ContainerDelivered:
			delivered++
		case models.ContainerAtWarehouse:
			atWarehouse++
		case models.ContainerInTransit:
			inTransit++
		}
	}
	moved := delivered + atWarehouse + inTransit

	switch {
	case delivered == len(statuses):
		return models.ShipmentDelivered
	case atWarehouse == len(statuses):
		return models.ShipmentAtWarehouse
	case moved > 0 && inTransit == 0:
		return models.ShipmentAtWarehouse
	case moved > 0:
		return models.ShipmentInTransit
	default:
		return models.ShipmentReadyForDispatch
	}
}

// ShipmentUpdatePolicy decides whether an accepted scan should write the derived status
// back to the shipment.
type ShipmentUpdatePolicy struct {
	// DeferOnTransporterScan leaves shipment status untouched on transporter scans;
	// an operator advances it explicitly.
	DeferOnTransporterScan bool
}

func (p ShipmentUpdatePolicy) Applies(role models.Role) bool {
	if p.DeferOnTransporterScan && role == models.RoleTransporter {
		return false
	}
	return true
}
