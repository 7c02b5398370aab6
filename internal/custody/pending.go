package custody

import "github.com/BearBump/CustodyBox/internal/models"

type AssignmentSlot string

const (
	SlotAssignedTransporter AssignmentSlot = "assigned_transporter"
	SlotAssignedWarehouse   AssignmentSlot = "assigned_warehouse"
	SlotNextTransporter     AssignmentSlot = "next_transporter"
	SlotAssignedRetailer    AssignmentSlot = "assigned_retailer"
)

// PendingRule selects containers of locked shipments whose Slot holds the actor wallet,
// whose status is in Statuses, and that have no accepted Action by the actor role yet.
type PendingRule struct {
	Slot     AssignmentSlot
	Statuses []models.ContainerStatus
	Action   models.ScanAction
}

func PendingRules(role models.Role) []PendingRule {
	switch role {
	case models.RoleTransporter:
		return []PendingRule{
			{Slot: SlotAssignedTransporter, Statuses: firstLeg.from, Action: firstLeg.action},
			{Slot: SlotNextTransporter, Statuses: secondLeg.from, Action: secondLeg.action},
		}
	case models.RoleWarehouse:
		return []PendingRule{
			{Slot: SlotAssignedWarehouse, Statuses: []models.ContainerStatus{models.ContainerInTransit}, Action: models.ActionCustodyReceive},
		}
	case models.RoleRetailer:
		return []PendingRule{
			{Slot: SlotAssignedRetailer, Statuses: []models.ContainerStatus{models.ContainerInTransit, models.ContainerAtWarehouse}, Action: models.ActionFinalDelivery},
		}
	}
	return nil
}

// SlotValue reads the wallet held by an assignment slot.
func (a Assignment) SlotValue(slot AssignmentSlot) string {
	switch slot {
	case SlotAssignedTransporter:
		return a.AssignedTransporter
	case SlotAssignedWarehouse:
		return a.AssignedWarehouse
	case SlotNextTransporter:
		return a.NextTransporter
	case SlotAssignedRetailer:
		return a.AssignedRetailer
	}
	return ""
}
