package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/qrcode"
	"github.com/BearBump/CustodyBox/internal/services/scans"
	"github.com/go-chi/chi/v5"
)

type scanBody struct {
	ContainerID string `json:"containerId" validate:"max=512"`
	Concern     string `json:"concern"`
	ConcernType string `json:"concernType" validate:"omitempty,oneof=DAMAGE MISSING TAMPER DELAY OTHER"`
	Severity    string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Location    string `json:"location" validate:"max=256"`
}

func (b *scanBody) normalize() {
	b.ContainerID = strings.TrimSpace(b.ContainerID)
	b.Concern = strings.TrimSpace(b.Concern)
	b.ConcernType = strings.ToUpper(strings.TrimSpace(b.ConcernType))
	b.Severity = strings.ToUpper(strings.TrimSpace(b.Severity))
	b.Location = strings.TrimSpace(b.Location)
}

func (a *API) scanHandler(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body scanBody
		if rej := a.decode(r, &body); rej != nil {
			writeRejection(w, rej)
			return
		}

		req := scans.Request{
			Actor:    actorFrom(r),
			Role:     role,
			QR:       body.ContainerID,
			Location: body.Location,
		}
		if body.Concern != "" {
			req.Concern = &scans.ConcernRequest{
				Description: body.Concern,
				Type:        models.ConcernType(body.ConcernType),
				Severity:    models.Severity(body.Severity),
			}
		}

		// ошибка уже залогирована и отражена в res.Rejection
		res, _ := a.scans.Scan(r.Context(), req)
		if res.Rejection != nil {
			writeRejection(w, res.Rejection)
			return
		}
		writeJSON(w, http.StatusOK, scanAccepted(res))
	}
}

type verifyBody struct {
	QR string `json:"qr" validate:"max=2048"`
}

type verifyJSON struct {
	Status          string         `json:"status"`
	Reference       any            `json:"reference"`
	Shipment        *shipmentJSON  `json:"shipment,omitempty"`
	Container       *containerJSON `json:"container,omitempty"`
	Blockchain      any            `json:"blockchain"`
	Action          string         `json:"action,omitempty"`
	NextStatus      string         `json:"nextStatus,omitempty"`
	AlreadyRecorded bool           `json:"alreadyRecorded"`
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if rej := a.decode(r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}
	res, err := a.scans.Verify(r.Context(), actorFrom(r), body.QR)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if res.Rejection != nil {
		writeRejection(w, res.Rejection)
		return
	}
	out := verifyJSON{
		Status:          "VERIFIED",
		Reference:       res.Reference,
		Blockchain:      res.Blockchain,
		Action:          string(res.Action),
		NextStatus:      string(res.NextStatus),
		AlreadyRecorded: res.AlreadyRecorded,
	}
	if res.Shipment != nil {
		v := shipmentView(res.Shipment, nil)
		out.Shipment = &v
	}
	if res.Container != nil {
		out.Container = &containerJSON{
			ContainerID:   res.Container.ContainerID,
			CurrentStatus: string(res.Container.Status),
			LastScannedBy: res.Container.LastScannedBy,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type pendingJSON struct {
	ContainerID  string    `json:"containerId"`
	ShipmentHash string    `json:"shipmentHash"`
	BatchID      string    `json:"batchId"`
	Status       string    `json:"status"`
	Action       string    `json:"action"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (a *API) pending(w http.ResponseWriter, r *http.Request) {
	limit, _, rej := page(r)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	items, err := a.scans.Pending(r.Context(), actorFrom(r), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]pendingJSON, 0, len(items))
	for _, p := range items {
		out = append(out, pendingJSON{
			ContainerID:  p.ContainerID,
			ShipmentHash: p.ShipmentHash,
			BatchID:      p.BatchID,
			Status:       string(p.Status),
			Action:       string(p.Action),
			UpdatedAt:    p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (a *API) containerScans(w http.ResponseWriter, r *http.Request) {
	limit, offset, rej := page(r)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	ls, err := a.scans.ContainerHistory(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": scanLogs(ls), "count": len(ls)})
}

func (a *API) shipmentScans(w http.ResponseWriter, r *http.Request) {
	limit, offset, rej := page(r)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	ls, err := a.scans.ShipmentHistory(r.Context(), chi.URLParam(r, "hash"), limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": scanLogs(ls), "count": len(ls)})
}

func (a *API) exportShipmentScans(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var buf bytes.Buffer
	if err := a.scans.ExportShipment(r.Context(), hash, &buf); err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "scans-"+qrcode.NormalizeShipmentID(hash)+".xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
