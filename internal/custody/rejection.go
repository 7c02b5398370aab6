// Package custody holds the pure decision logic of the scan engine: the custody gate,
// the authorization matrix, the container transition graph and the shipment status
// derivation. Nothing here performs I/O.
package custody

import (
	"fmt"
	"net/http"
)

type ReasonCode string

const (
	ReasonInvalidFormat             ReasonCode = "INVALID_FORMAT"
	ReasonMissingContainerID        ReasonCode = "MISSING_CONTAINER_ID"
	ReasonContainerNotFound         ReasonCode = "CONTAINER_NOT_FOUND"
	ReasonShipmentNotFound          ReasonCode = "SHIPMENT_NOT_FOUND"
	ReasonConcernNotFound           ReasonCode = "CONCERN_NOT_FOUND"
	ReasonNotReadyForDispatch       ReasonCode = "NOT_READY_FOR_DISPATCH"
	ReasonRoleNotAllowed            ReasonCode = "ROLE_NOT_ALLOWED"
	ReasonAlreadyScanned            ReasonCode = "ALREADY_SCANNED"
	ReasonAlreadyScannedByWarehouse ReasonCode = "ALREADY_SCANNED_BY_WAREHOUSE"
	ReasonAlreadyDelivered          ReasonCode = "ALREADY_DELIVERED"
	ReasonInvalidStatusTransition   ReasonCode = "INVALID_STATUS_TRANSITION"
	ReasonRateLimited               ReasonCode = "RATE_LIMITED"
	ReasonInternalError             ReasonCode = "INTERNAL_ERROR"
)

var reasonText = map[ReasonCode]string{
	ReasonInvalidFormat:             "Invalid QR format",
	ReasonMissingContainerID:        "Missing container id",
	ReasonContainerNotFound:         "Container not found",
	ReasonShipmentNotFound:          "Shipment not found",
	ReasonConcernNotFound:           "Concern not found",
	ReasonNotReadyForDispatch:       "Shipment not ready for dispatch",
	ReasonRoleNotAllowed:            "Role not allowed",
	ReasonAlreadyScanned:            "Already scanned",
	ReasonAlreadyScannedByWarehouse: "Already scanned by warehouse",
	ReasonAlreadyDelivered:          "Already delivered",
	ReasonInvalidStatusTransition:   "Invalid status transition",
	ReasonRateLimited:               "Too many scans",
	ReasonInternalError:             "Internal error",
}

// Reason is the short human label of a code.
func (c ReasonCode) Reason() string {
	if s, ok := reasonText[c]; ok {
		return s
	}
	return string(c)
}

// HTTPStatus maps a code to its transport status:
// malformed input 400, not found 404, unauthorized 403, business conflict 400.
func (c ReasonCode) HTTPStatus() int {
	switch c {
	case ReasonContainerNotFound, ReasonShipmentNotFound, ReasonConcernNotFound:
		return http.StatusNotFound
	case ReasonRoleNotAllowed:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Rejection is a business-level refusal. It never carries infrastructure errors.
type Rejection struct {
	Code    ReasonCode
	Message string
	Context map[string]any
}

func Reject(code ReasonCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// With adds a contextual field reported alongside the rejection.
func (r *Rejection) With(key string, value any) *Rejection {
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	r.Context[key] = value
	return r
}
