package custody

import (
	"strings"

	"github.com/BearBump/CustodyBox/internal/models"
)

type DecisionKind int

const (
	Denied DecisionKind = iota
	Allowed
	// Replayed means the same (container, action, role) was already accepted;
	// the caller answers with the recorded ledger entry.
	Replayed
)

func (k DecisionKind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case Replayed:
		return "replayed"
	default:
		return "denied"
	}
}

const (
	DestinationWarehouse = "WAREHOUSE"
	DestinationRetailer  = "RETAILER"
)

type Assignment struct {
	AssignedTransporter string
	AssignedWarehouse   string
	NextTransporter     string
	AssignedRetailer    string
}

func AssignmentOf(s *models.Shipment) Assignment {
	return Assignment{
		AssignedTransporter: models.Deref(s.AssignedTransporter),
		AssignedWarehouse:   models.Deref(s.AssignedWarehouse),
		NextTransporter:     models.Deref(s.NextTransporter),
		AssignedRetailer:    models.Deref(s.AssignedRetailer),
	}
}

// PriorKey identifies an already accepted ledger entry of a container.
type PriorKey struct {
	Action models.ScanAction
	Role   models.Role
}

type Input struct {
	Role            models.Role
	Wallet          string
	Assignment      Assignment
	ContainerStatus models.ContainerStatus
	Prior           map[PriorKey]bool
}

type Decision struct {
	Kind        DecisionKind
	Action      models.ScanAction
	NextStatus  models.ContainerStatus
	Destination string
	Rejection   *Rejection
}

// Decide is the single source of truth for scan legality. The container state machine
// and the storage layer only execute what it grants.
func Decide(in Input) Decision {
	var d Decision
	switch in.Role {
	case models.RoleTransporter:
		d = decideTransporter(in)
	case models.RoleWarehouse:
		d = decideWarehouse(in)
	case models.RoleRetailer:
		d = decideRetailer(in)
	default:
		return deny(Reject(ReasonRoleNotAllowed, "role %q cannot scan containers", in.Role).With("role", in.Role))
	}

	if d.Kind == Allowed && !CanTransition(in.ContainerStatus, d.NextStatus) {
		return deny(Reject(ReasonInvalidStatusTransition, "transition %s -> %s is not allowed", in.ContainerStatus, d.NextStatus).
			With("currentStatus", in.ContainerStatus))
	}
	return d
}

type leg struct {
	action      models.ScanAction
	destination string
	from        []models.ContainerStatus
}

var (
	firstLeg = leg{
		action:      models.ActionCustodyPickup,
		destination: DestinationWarehouse,
		from:        []models.ContainerStatus{models.ContainerCreated, models.ContainerScanned},
	}
	secondLeg = leg{
		action:      models.ActionDispatchConfirm,
		destination: DestinationRetailer,
		from:        []models.ContainerStatus{models.ContainerAtWarehouse},
	}
)

// resolveLeg picks the leg a transporter wallet is scanning for. A wallet assigned to
// both legs is on the second leg once the container sits at the warehouse or the
// second-leg pickup is already recorded.
func resolveLeg(in Input) (leg, bool) {
	first := SameWallet(in.Wallet, in.Assignment.AssignedTransporter)
	second := SameWallet(in.Wallet, in.Assignment.NextTransporter)
	switch {
	case second && in.Prior[PriorKey{Action: secondLeg.action, Role: models.RoleTransporter}]:
		return secondLeg, true
	case second && in.ContainerStatus == models.ContainerAtWarehouse:
		return secondLeg, true
	case first:
		return firstLeg, true
	case second:
		return secondLeg, true
	}
	return leg{}, false
}

func decideTransporter(in Input) Decision {
	l, ok := resolveLeg(in)
	if !ok {
		return deny(Reject(ReasonRoleNotAllowed, "transporter is not assigned to this shipment").
			With("role", in.Role))
	}
	if in.Prior[PriorKey{Action: l.action, Role: models.RoleTransporter}] {
		return Decision{Kind: Replayed, Action: l.action, Destination: l.destination}
	}

	if contains(l.from, in.ContainerStatus) {
		return Decision{Kind: Allowed, Action: l.action, NextStatus: models.ContainerInTransit, Destination: l.destination}
	}

	switch {
	case in.ContainerStatus == models.ContainerDelivered:
		return deny(Reject(ReasonAlreadyDelivered, "container already delivered").With("currentStatus", in.ContainerStatus))
	case l.action == models.ActionCustodyPickup && stage(in.ContainerStatus) >= stage(models.ContainerInTransit):
		return deny(Reject(ReasonAlreadyScanned, "container already picked up").With("currentStatus", in.ContainerStatus))
	default:
		return deny(Reject(ReasonInvalidStatusTransition, "container is not ready for the leg to %s", strings.ToLower(l.destination)).
			With("currentStatus", in.ContainerStatus))
	}
}

func decideWarehouse(in Input) Decision {
	if in.Prior[PriorKey{Action: models.ActionCustodyReceive, Role: models.RoleWarehouse}] {
		return deny(Reject(ReasonAlreadyScannedByWarehouse, "container already received by warehouse").
			With("currentStatus", in.ContainerStatus))
	}
	switch in.ContainerStatus {
	case models.ContainerInTransit, models.ContainerAtWarehouse:
		return Decision{Kind: Allowed, Action: models.ActionCustodyReceive, NextStatus: models.ContainerAtWarehouse}
	case models.ContainerDelivered:
		return deny(Reject(ReasonAlreadyDelivered, "container already delivered").With("currentStatus", in.ContainerStatus))
	default:
		return deny(Reject(ReasonInvalidStatusTransition, "container has not been picked up by a transporter").
			With("currentStatus", in.ContainerStatus))
	}
}

func decideRetailer(in Input) Decision {
	if !SameWallet(in.Wallet, in.Assignment.AssignedRetailer) {
		return deny(Reject(ReasonRoleNotAllowed, "retailer is not assigned to this shipment").With("role", in.Role))
	}
	if in.Prior[PriorKey{Action: models.ActionFinalDelivery, Role: models.RoleRetailer}] {
		return Decision{Kind: Replayed, Action: models.ActionFinalDelivery}
	}
	switch in.ContainerStatus {
	case models.ContainerInTransit, models.ContainerAtWarehouse:
		return Decision{Kind: Allowed, Action: models.ActionFinalDelivery, NextStatus: models.ContainerDelivered}
	case models.ContainerDelivered:
		return deny(Reject(ReasonAlreadyDelivered, "container already delivered").With("currentStatus", in.ContainerStatus))
	default:
		return deny(Reject(ReasonInvalidStatusTransition, "container has not been picked up by a transporter").
			With("currentStatus", in.ContainerStatus))
	}
}

func deny(r *Rejection) Decision {
	return Decision{Kind: Denied, Rejection: r}
}

// SameWallet compares wallet addresses case-insensitively; an empty slot never matches.
func SameWallet(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && b != "" && strings.EqualFold(a, b)
}

func contains(list []models.ContainerStatus, s models.ContainerStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
