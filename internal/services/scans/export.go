package scans

import (
	"context"
	"fmt"
	"io"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Scans"

var exportHeader = []string{
	"Scan ID", "Scanned At", "Container", "Action", "Result", "Reason",
	"Wallet", "Role", "Previous Status", "New Status", "Location",
}

// ExportShipment writes the whole ledger of a shipment as an xlsx workbook.
func (s *Service) ExportShipment(ctx context.Context, hash string, w io.Writer) error {
	var logs []*models.ScanLog
	for offset := 0; ; offset += storage.MaxPageLimit {
		page, err := s.ShipmentHistory(ctx, hash, storage.MaxPageLimit, offset)
		if err != nil {
			return err
		}
		logs = append(logs, page...)
		if len(page) < storage.MaxPageLimit {
			break
		}
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return errors.Wrap(err, "rename sheet")
	}

	for i, h := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}
	for i, l := range logs {
		row := []any{
			l.ScanID,
			l.ScannedAt.UTC().Format("2006-01-02 15:04:05"),
			models.Deref(l.ContainerID),
			string(l.Action),
			string(l.Result),
			models.Deref(l.RejectionReason),
			l.Actor.WalletAddress,
			string(l.Actor.Role),
			statusOf(l.PreviousStatus),
			statusOf(l.NewStatus),
			l.Location,
		}
		if err := f.SetSheetRow(exportSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return errors.Wrap(err, "write row")
		}
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "write workbook")
	}
	return nil
}

func statusOf(s *models.ContainerStatus) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
