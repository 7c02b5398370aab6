package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/services/scans"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRejection renders {status, reason, code, message, ...context}.
func writeRejection(w http.ResponseWriter, rej *custody.Rejection) {
	body := make(map[string]any, len(rej.Context)+4)
	for k, v := range rej.Context {
		body[k] = v
	}
	body["status"] = string(models.ScanRejected)
	body["reason"] = rej.Code.Reason()
	body["code"] = rej.Code
	body["message"] = rej.Message
	writeJSON(w, rej.Code.HTTPStatus(), body)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var rej *custody.Rejection
	switch {
	case errors.As(err, &rej):
		writeRejection(w, rej)
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrAlreadyLocked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err.Error())
		msg := err.Error()
		if a.production {
			msg = "internal error"
		}
		writeRejection(w, custody.Reject(custody.ReasonInternalError, "%s", msg))
	}
}

type normalizer interface {
	normalize()
}

// decode reads a JSON body, normalizes it and runs the struct validation tags.
func (a *API) decode(r *http.Request, dst any) *custody.Rejection {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return custody.Reject(custody.ReasonInvalidFormat, "invalid JSON body")
	}
	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}
	if err := a.validate.Struct(dst); err != nil {
		return custody.Reject(custody.ReasonInvalidFormat, "%s", err.Error())
	}
	return nil
}

func page(r *http.Request) (int, int, *custody.Rejection) {
	q := r.URL.Query()
	limit, offset := 0, 0
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, custody.Reject(custody.ReasonInvalidFormat, "limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, custody.Reject(custody.ReasonInvalidFormat, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

type containerJSON struct {
	ContainerID    string            `json:"containerId"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	CurrentStatus  string            `json:"currentStatus"`
	LastScannedBy  *models.ScanActor `json:"lastScannedBy,omitempty"`
}

type shipmentStatusJSON struct {
	ShipmentHash         string `json:"shipmentHash"`
	PreviousStatus       string `json:"previousStatus"`
	CurrentStatus        string `json:"currentStatus"`
	StatusChanged        bool   `json:"statusChanged"`
	IsLockedOnBlockchain bool   `json:"isLockedOnBlockchain"`
	TxHash               string `json:"txHash,omitempty"`
}

type concernRefJSON struct {
	ConcernID string `json:"concernId"`
	Status    string `json:"status"`
}

type scanAcceptedJSON struct {
	Status    string             `json:"status"`
	ScanID    string             `json:"scanId"`
	ScannedAt time.Time          `json:"scannedAt"`
	Action    string             `json:"action"`
	Replayed  bool               `json:"replayed"`
	Container containerJSON      `json:"container"`
	Shipment  shipmentStatusJSON `json:"shipment"`
	Concern   *concernRefJSON    `json:"concern,omitempty"`
}

func scanAccepted(res *scans.Result) scanAcceptedJSON {
	out := scanAcceptedJSON{
		Status:    string(models.ScanAccepted),
		ScanID:    res.ScanID,
		ScannedAt: res.ScannedAt,
		Action:    string(res.Action),
		Replayed:  res.Replayed,
		Container: containerJSON{
			ContainerID:    res.Container.ContainerID,
			PreviousStatus: string(res.Container.PreviousStatus),
			CurrentStatus:  string(res.Container.CurrentStatus),
			LastScannedBy:  res.Container.LastScannedBy,
		},
		Shipment: shipmentStatusJSON{
			ShipmentHash:         res.Shipment.ShipmentHash,
			PreviousStatus:       string(res.Shipment.PreviousStatus),
			CurrentStatus:        string(res.Shipment.CurrentStatus),
			StatusChanged:        res.Shipment.StatusChanged,
			IsLockedOnBlockchain: res.Shipment.IsLocked,
			TxHash:               res.Shipment.TxHash,
		},
	}
	if res.Concern != nil {
		out.Concern = &concernRefJSON{ConcernID: res.Concern.ConcernID, Status: string(res.Concern.Status)}
	}
	return out
}

type scanLogJSON struct {
	ScanID             string          `json:"scanId"`
	ContainerID        string          `json:"containerId,omitempty"`
	ShipmentHash       string          `json:"shipmentHash,omitempty"`
	Actor              models.Actor    `json:"actor"`
	Action             string          `json:"action"`
	Result             string          `json:"result"`
	RejectionReason    string          `json:"rejectionReason,omitempty"`
	Location           string          `json:"location,omitempty"`
	PreviousStatus     string          `json:"previousStatus,omitempty"`
	NewStatus          string          `json:"newStatus,omitempty"`
	ShipmentSnapshot   json.RawMessage `json:"shipmentSnapshot,omitempty"`
	BlockchainSnapshot json.RawMessage `json:"blockchainSnapshot,omitempty"`
	ScannedAt          time.Time       `json:"scannedAt"`
}

func scanLogs(ls []*models.ScanLog) []scanLogJSON {
	out := make([]scanLogJSON, 0, len(ls))
	for _, l := range ls {
		v := scanLogJSON{
			ScanID:             l.ScanID,
			ContainerID:        models.Deref(l.ContainerID),
			ShipmentHash:       models.Deref(l.ShipmentHash),
			Actor:              l.Actor,
			Action:             string(l.Action),
			Result:             string(l.Result),
			RejectionReason:    models.Deref(l.RejectionReason),
			Location:           l.Location,
			ShipmentSnapshot:   l.ShipmentSnapshot,
			BlockchainSnapshot: l.BlockchainSnapshot,
			ScannedAt:          l.ScannedAt,
		}
		if l.PreviousStatus != nil {
			v.PreviousStatus = string(*l.PreviousStatus)
		}
		if l.NewStatus != nil {
			v.NewStatus = string(*l.NewStatus)
		}
		out = append(out, v)
	}
	return out
}

type shipmentJSON struct {
	ShipmentHash         string     `json:"shipmentHash"`
	SupplierWallet       string     `json:"supplierWallet"`
	BatchID              string     `json:"batchId"`
	NumberOfContainers   int        `json:"numberOfContainers"`
	QuantityPerContainer int        `json:"quantityPerContainer"`
	TotalQuantity        int        `json:"totalQuantity"`
	Status               string     `json:"status"`
	TxHash               string     `json:"txHash,omitempty"`
	BlockNumber          *uint64    `json:"blockNumber,omitempty"`
	LockedAt             *time.Time `json:"lockedAt,omitempty"`
	AssignedTransporter  string     `json:"assignedTransporter,omitempty"`
	AssignedWarehouse    string     `json:"assignedWarehouse,omitempty"`
	NextTransporter      string     `json:"nextTransporter,omitempty"`
	AssignedRetailer     string     `json:"assignedRetailer,omitempty"`
	ChainStatus          string     `json:"chainStatus,omitempty"`
	ChainLocked          *bool      `json:"chainLocked,omitempty"`
	ChainCheckedAt       *time.Time `json:"chainCheckedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`

	Containers []containerJSON `json:"containers,omitempty"`
}

func shipmentView(sh *models.Shipment, cs []*models.Container) shipmentJSON {
	out := shipmentJSON{
		ShipmentHash:         sh.ShipmentHash,
		SupplierWallet:       sh.SupplierWallet,
		BatchID:              sh.BatchID,
		NumberOfContainers:   sh.NumberOfContainers,
		QuantityPerContainer: sh.QuantityPerContainer,
		TotalQuantity:        sh.TotalQuantity,
		Status:               string(sh.Status),
		TxHash:               models.Deref(sh.TxHash),
		BlockNumber:          sh.BlockNumber,
		LockedAt:             sh.LockedAt,
		AssignedTransporter:  models.Deref(sh.AssignedTransporter),
		AssignedWarehouse:    models.Deref(sh.AssignedWarehouse),
		NextTransporter:      models.Deref(sh.NextTransporter),
		AssignedRetailer:     models.Deref(sh.AssignedRetailer),
		ChainStatus:          models.Deref(sh.ChainStatus),
		ChainLocked:          sh.ChainLocked,
		ChainCheckedAt:       sh.ChainCheckedAt,
		CreatedAt:            sh.CreatedAt,
		UpdatedAt:            sh.UpdatedAt,
	}
	for _, c := range cs {
		out.Containers = append(out.Containers, containerJSON{
			ContainerID:   c.ContainerID,
			CurrentStatus: string(c.Status),
			LastScannedBy: c.LastScannedBy,
		})
	}
	return out
}

type concernJSON struct {
	ConcernID        string                    `json:"concernId"`
	ShipmentHash     string                    `json:"shipmentHash"`
	ContainerID      string                    `json:"containerId,omitempty"`
	ScanID           string                    `json:"scanId,omitempty"`
	Type             string                    `json:"type"`
	Severity         string                    `json:"severity"`
	Description      string                    `json:"description"`
	ReportedBy       models.Actor              `json:"reportedBy"`
	SupplierWallet   string                    `json:"supplierWallet"`
	Status           string                    `json:"status"`
	NotificationSent bool                      `json:"notificationSent"`
	Acknowledged     bool                      `json:"acknowledged"`
	AcknowledgedAt   *time.Time                `json:"acknowledgedAt,omitempty"`
	Resolution       *models.ConcernResolution `json:"resolution,omitempty"`
	CreatedAt        time.Time                 `json:"createdAt"`
}

func concernView(c *models.ShipmentConcern) concernJSON {
	return concernJSON{
		ConcernID:        c.ConcernID,
		ShipmentHash:     c.ShipmentHash,
		ContainerID:      c.ContainerID,
		ScanID:           c.ScanID,
		Type:             string(c.Type),
		Severity:         string(c.Severity),
		Description:      c.Description,
		ReportedBy:       c.ReportedBy,
		SupplierWallet:   c.SupplierWallet,
		Status:           string(c.Status),
		NotificationSent: c.NotificationSent,
		Acknowledged:     c.Acknowledged,
		AcknowledgedAt:   c.AcknowledgedAt,
		Resolution:       c.Resolution,
		CreatedAt:        c.CreatedAt,
	}
}
