package custody

import "github.com/BearBump/CustodyBox/internal/models"

var transitions = map[models.ContainerStatus][]models.ContainerStatus{
	models.ContainerCreated:     {models.ContainerScanned, models.ContainerInTransit},
	models.ContainerScanned:     {models.ContainerInTransit},
	models.ContainerInTransit:   {models.ContainerAtWarehouse, models.ContainerDelivered},
	models.ContainerAtWarehouse: {models.ContainerAtWarehouse, models.ContainerInTransit, models.ContainerDelivered},
	models.ContainerDelivered:   {},
}

// CanTransition reports whether from -> to is an edge of the container lifecycle graph.
// AT_WAREHOUSE -> IN_TRANSIT is the second-leg re-entry; DELIVERED has no outgoing edges.
func CanTransition(from, to models.ContainerStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(s models.ContainerStatus) bool {
	_, known := transitions[s]
	return known && len(transitions[s]) == 0
}

// stage orders statuses along the first leg; used to tell "already past" from "not yet".
func stage(s models.ContainerStatus) int {
	switch s {
	case models.ContainerCreated:
		return 0
	case models.ContainerScanned:
		return 1
	case models.ContainerInTransit:
		return 2
	case models.ContainerAtWarehouse:
		return 3
	case models.ContainerDelivered:
		return 4
	}
	return -1
}
