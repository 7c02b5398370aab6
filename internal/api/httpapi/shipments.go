package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/services/shipments"
	"github.com/go-chi/chi/v5"
)

type createShipmentBody struct {
	ShipmentHash         string   `json:"shipmentHash" validate:"required,max=128"`
	BatchID              string   `json:"batchId" validate:"required,max=128"`
	ContainerIDs         []string `json:"containerIds" validate:"required,min=1"`
	QuantityPerContainer int      `json:"quantityPerContainer" validate:"gt=0"`
}

func (b *createShipmentBody) normalize() {
	b.ShipmentHash = strings.TrimSpace(b.ShipmentHash)
	b.BatchID = strings.TrimSpace(b.BatchID)
}

func (a *API) createShipment(w http.ResponseWriter, r *http.Request) {
	var body createShipmentBody
	if rej := a.decode(r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}
	d, err := a.shipments.Create(r.Context(), actorFrom(r), shipments.CreateInput{
		ShipmentHash:         body.ShipmentHash,
		BatchID:              body.BatchID,
		ContainerIDs:         body.ContainerIDs,
		QuantityPerContainer: body.QuantityPerContainer,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shipmentView(d.Shipment, d.Containers))
}

func (a *API) getShipment(w http.ResponseWriter, r *http.Request) {
	d, err := a.shipments.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shipmentView(d.Shipment, d.Containers))
}

type lockBody struct {
	TxHash      string  `json:"txHash" validate:"required,max=128"`
	BlockNumber *uint64 `json:"blockNumber"`
}

func (a *API) lockShipment(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if rej := a.decode(r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}
	sh, err := a.shipments.Lock(r.Context(), actorFrom(r), chi.URLParam(r, "hash"), body.TxHash, body.BlockNumber)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shipmentView(sh, nil))
}

type assignBody struct {
	AssignedTransporter *string `json:"assignedTransporter" validate:"omitempty,max=128"`
	AssignedWarehouse   *string `json:"assignedWarehouse" validate:"omitempty,max=128"`
	NextTransporter     *string `json:"nextTransporter" validate:"omitempty,max=128"`
	AssignedRetailer    *string `json:"assignedRetailer" validate:"omitempty,max=128"`
}

func (a *API) assignShipment(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if rej := a.decode(r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}
	sh, err := a.shipments.Assign(r.Context(), actorFrom(r), chi.URLParam(r, "hash"), models.Assignments{
		AssignedTransporter: body.AssignedTransporter,
		AssignedWarehouse:   body.AssignedWarehouse,
		NextTransporter:     body.NextTransporter,
		AssignedRetailer:    body.AssignedRetailer,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shipmentView(sh, nil))
}

func (a *API) refreshShipmentStatus(w http.ResponseWriter, r *http.Request) {
	ref, err := a.shipments.RefreshStatus(r.Context(), actorFrom(r), chi.URLParam(r, "hash"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shipmentHash":   qrcode.NormalizeShipmentID(chi.URLParam(r, "hash")),
		"previousStatus": ref.Previous,
		"currentStatus":  ref.Current,
		"statusChanged":  ref.Changed,
	})
}

type historyJSON struct {
	FromStatus  string    `json:"fromStatus"`
	ToStatus    string    `json:"toStatus"`
	ContainerID string    `json:"containerId,omitempty"`
	ActorWallet string    `json:"actorWallet"`
	ActorRole   string    `json:"actorRole"`
	ChangedAt   time.Time `json:"changedAt"`
}

func (a *API) shipmentStatusHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := a.shipments.History(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]historyJSON, 0, len(hist))
	for _, h := range hist {
		out = append(out, historyJSON{
			FromStatus:  string(h.FromStatus),
			ToStatus:    string(h.ToStatus),
			ContainerID: h.ContainerID,
			ActorWallet: h.ActorWallet,
			ActorRole:   string(h.ActorRole),
			ChangedAt:   h.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (a *API) shipmentConcerns(w http.ResponseWriter, r *http.Request) {
	limit, offset, rej := page(r)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	cs, err := a.concerns.ListByShipment(r.Context(), qrcode.NormalizeShipmentID(chi.URLParam(r, "hash")), limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]concernJSON, 0, len(cs))
	for _, c := range cs {
		out = append(out, concernView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (a *API) acknowledgeConcern(w http.ResponseWriter, r *http.Request) {
	c, err := a.concerns.Acknowledge(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, concernView(c))
}

type resolveBody struct {
	Note string `json:"note" validate:"max=2000"`
}

func (a *API) resolveConcern(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if rej := a.decode(r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}
	c, err := a.concerns.Resolve(r.Context(), chi.URLParam(r, "id"), actorFrom(r), strings.TrimSpace(body.Note))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, concernView(c))
}
