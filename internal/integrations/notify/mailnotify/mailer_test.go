package mailnotify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (s *fakeSender) DialAndSend(m ...*gomail.Message) error {
	s.sent = append(s.sent, m...)
	return s.err
}

func raised() messages.ConcernRaised {
	return messages.ConcernRaised{
		ConcernID:      "c-1",
		ShipmentHash:   "0xabc",
		ContainerID:    "CNT-1",
		ScanID:         "SCN-1",
		Type:           "DAMAGE",
		Severity:       "HIGH",
		Description:    "wet <box>",
		ReporterWallet: "0xw",
		ReporterRole:   "WAREHOUSE",
		SupplierWallet: "0xSupplier",
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMailer_Send(t *testing.T) {
	fs := &fakeSender{}
	m := NewWithSender(Config{From: "custody@local", Recipients: map[string]string{"0xSUPPLIER": "s@example.com"}}, fs)

	require.NoError(t, m.Send(context.Background(), raised()))
	require.Len(t, fs.sent, 1)

	em := fs.sent[0]
	require.Equal(t, []string{"s@example.com"}, em.GetHeader("To"))
	require.Equal(t, []string{"custody@local"}, em.GetHeader("From"))
	require.Contains(t, em.GetHeader("Subject")[0], "0xabc")

	var buf bytes.Buffer
	_, err := em.WriteTo(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "CNT-1")
	require.NotContains(t, buf.String(), "<box>")
}

func TestMailer_NoRecipient(t *testing.T) {
	fs := &fakeSender{}
	m := NewWithSender(Config{}, fs)

	err := m.Send(context.Background(), raised())
	require.ErrorIs(t, err, ErrNoRecipient)
	require.Empty(t, fs.sent)
}

func TestMailer_SendError(t *testing.T) {
	fs := &fakeSender{err: errors.New("smtp down")}
	m := NewWithSender(Config{Recipients: map[string]string{"0xsupplier": "s@example.com"}}, fs)

	err := m.Send(context.Background(), raised())
	require.Error(t, err)
	require.Contains(t, err.Error(), "send concern email")
}

func TestMailer_Dispatch(t *testing.T) {
	fs := &fakeSender{}
	m := NewWithSender(Config{Recipients: map[string]string{"0xtarget": "t@example.com"}}, fs)

	c := &models.ShipmentConcern{ConcernID: "c-2", ShipmentHash: "0x1", SupplierWallet: "0xother", Severity: models.SeverityLow, Type: models.ConcernOther}
	require.NoError(t, m.Dispatch(context.Background(), c, "0xTARGET"))
	require.Equal(t, []string{"t@example.com"}, fs.sent[0].GetHeader("To"))
}
