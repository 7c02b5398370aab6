// Package scans_api serves the scan engine over gRPC. Messages are google.protobuf.Struct
// values carrying the same fields as the JSON API.
package scans_api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/BearBump/CustodyBox/internal/auth"
	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/services/scans"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "custody.v1.ScanService"

type ScanServiceServer interface {
	Scan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ShipmentHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ContainerHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PendingContainers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type ScansAPI struct {
	svc        *scans.Service
	production bool
}

func New(svc *scans.Service, production bool) *ScansAPI {
	return &ScansAPI{svc: svc, production: production}
}

func Register(s grpc.ServiceRegistrar, srv ScanServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func (a *ScansAPI) Scan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	r := scans.Request{
		Actor:    actorFrom(ctx),
		Role:     models.Role(strings.ToUpper(str(f, "role"))),
		QR:       str(f, "containerId"),
		Location: str(f, "location"),
	}
	if d := str(f, "concern"); d != "" {
		r.Concern = &scans.ConcernRequest{
			Description: d,
			Type:        models.ConcernType(strings.ToUpper(str(f, "concernType"))),
			Severity:    models.Severity(strings.ToUpper(str(f, "severity"))),
		}
	}
	res, _ := a.svc.Scan(ctx, r)
	if res.Rejection != nil {
		return nil, toStatus(res.Rejection)
	}

	out := map[string]any{
		"status":    string(models.ScanAccepted),
		"scanId":    res.ScanID,
		"scannedAt": res.ScannedAt,
		"action":    res.Action,
		"replayed":  res.Replayed,
		"container": map[string]any{
			"containerId":    res.Container.ContainerID,
			"previousStatus": res.Container.PreviousStatus,
			"currentStatus":  res.Container.CurrentStatus,
			"lastScannedBy":  res.Container.LastScannedBy,
		},
		"shipment": map[string]any{
			"shipmentHash":         res.Shipment.ShipmentHash,
			"previousStatus":       res.Shipment.PreviousStatus,
			"currentStatus":        res.Shipment.CurrentStatus,
			"statusChanged":        res.Shipment.StatusChanged,
			"isLockedOnBlockchain": res.Shipment.IsLocked,
			"txHash":               res.Shipment.TxHash,
		},
	}
	if res.Concern != nil {
		out["concern"] = map[string]any{"concernId": res.Concern.ConcernID, "status": res.Concern.Status}
	}
	return toStruct(out)
}

func (a *ScansAPI) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := a.svc.Verify(ctx, actorFrom(ctx), str(req.GetFields(), "qr"))
	if err != nil {
		return nil, a.internal(err)
	}
	if res.Rejection != nil {
		return nil, toStatus(res.Rejection)
	}
	out := map[string]any{
		"status":          "VERIFIED",
		"reference":       res.Reference,
		"blockchain":      res.Blockchain,
		"alreadyRecorded": res.AlreadyRecorded,
	}
	if res.Shipment != nil {
		out["shipment"] = map[string]any{
			"shipmentHash": res.Shipment.ShipmentHash,
			"status":       res.Shipment.Status,
			"batchId":      res.Shipment.BatchID,
		}
	}
	if res.Container != nil {
		out["container"] = map[string]any{
			"containerId":   res.Container.ContainerID,
			"currentStatus": res.Container.Status,
		}
	}
	if res.Action != "" {
		out["action"] = res.Action
	}
	if res.NextStatus != "" {
		out["nextStatus"] = res.NextStatus
	}
	return toStruct(out)
}

func (a *ScansAPI) ShipmentHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	ls, err := a.svc.ShipmentHistory(ctx, str(f, "shipmentHash"), num(f, "limit"), num(f, "offset"))
	if err != nil {
		return nil, a.fail(err)
	}
	return logsStruct(ls)
}

func (a *ScansAPI) ContainerHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	ls, err := a.svc.ContainerHistory(ctx, str(f, "containerId"), num(f, "limit"), num(f, "offset"))
	if err != nil {
		return nil, a.fail(err)
	}
	return logsStruct(ls)
}

func (a *ScansAPI) PendingContainers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	items, err := a.svc.Pending(ctx, actorFrom(ctx), num(req.GetFields(), "limit"))
	if err != nil {
		return nil, a.fail(err)
	}
	out := make([]any, 0, len(items))
	for _, p := range items {
		out = append(out, map[string]any{
			"containerId":  p.ContainerID,
			"shipmentHash": p.ShipmentHash,
			"batchId":      p.BatchID,
			"status":       p.Status,
			"action":       p.Action,
			"updatedAt":    p.UpdatedAt,
		})
	}
	return toStruct(map[string]any{"items": out, "count": len(out)})
}

func logsStruct(ls []*models.ScanLog) (*structpb.Struct, error) {
	out := make([]any, 0, len(ls))
	for _, l := range ls {
		m := map[string]any{
			"scanId":    l.ScanID,
			"actor":     l.Actor,
			"action":    l.Action,
			"result":    l.Result,
			"location":  l.Location,
			"scannedAt": l.ScannedAt,
		}
		if l.ContainerID != nil {
			m["containerId"] = *l.ContainerID
		}
		if l.ShipmentHash != nil {
			m["shipmentHash"] = *l.ShipmentHash
		}
		if l.RejectionReason != nil {
			m["rejectionReason"] = *l.RejectionReason
		}
		if l.PreviousStatus != nil {
			m["previousStatus"] = *l.PreviousStatus
		}
		if l.NewStatus != nil {
			m["newStatus"] = *l.NewStatus
		}
		out = append(out, m)
	}
	return toStruct(map[string]any{"items": out, "count": len(out)})
}

func actorFrom(ctx context.Context) models.Actor {
	a, _ := auth.ActorFrom(ctx)
	return a
}

func (a *ScansAPI) fail(err error) error {
	var rej *custody.Rejection
	if errors.As(err, &rej) {
		return toStatus(rej)
	}
	return a.internal(err)
}

func (a *ScansAPI) internal(err error) error {
	if a.production {
		return status.Error(codes.Internal, string(custody.ReasonInternalError)+": internal error")
	}
	return status.Error(codes.Internal, string(custody.ReasonInternalError)+": "+err.Error())
}

// toStatus maps a rejection onto a gRPC status; the message keeps the reason code prefix.
func toStatus(rej *custody.Rejection) error {
	var c codes.Code
	switch rej.Code.HTTPStatus() {
	case http.StatusNotFound:
		c = codes.NotFound
	case http.StatusForbidden:
		c = codes.PermissionDenied
	case http.StatusTooManyRequests:
		c = codes.ResourceExhausted
	case http.StatusInternalServerError:
		c = codes.Internal
	default:
		c = codes.FailedPrecondition
		if rej.Code == custody.ReasonInvalidFormat || rej.Code == custody.ReasonMissingContainerID {
			c = codes.InvalidArgument
		}
	}
	return status.Error(c, rej.Error())
}

// toStruct converts through JSON so typed values (times, enums, nested structs)
// land in the shapes structpb accepts.
func toStruct(v map[string]any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	return structpb.NewStruct(m)
}

func str(f map[string]*structpb.Value, key string) string {
	return strings.TrimSpace(f[key].GetStringValue())
}

func num(f map[string]*structpb.Value, key string) int {
	v := f[key].GetNumberValue()
	if v < 0 {
		return 0
	}
	return int(v)
}
