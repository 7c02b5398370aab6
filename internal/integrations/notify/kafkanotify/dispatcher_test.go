package kafkanotify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type producerMock struct {
	mock.Mock
}

func (m *producerMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	return m.Called(ctx, topic, key, value).Error(0)
}

func concern() *models.ShipmentConcern {
	return &models.ShipmentConcern{
		ConcernID:      "c-1",
		ShipmentHash:   "0xabc",
		ContainerID:    "CNT-1",
		ScanID:         "SCN-1",
		Type:           models.ConcernDamage,
		Severity:       models.SeverityHigh,
		ReportedBy:     models.Actor{WalletAddress: "0xw", Role: models.RoleWarehouse},
		SupplierWallet: "0xsupplier",
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	pm := &producerMock{}
	var got messages.ConcernRaised
	pm.On("Publish", mock.Anything, "custody.concern.raised", []byte("0xabc"), mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &got))
		}).
		Return(nil).
		Once()

	d := New(pm, "")
	require.NoError(t, d.Dispatch(context.Background(), concern(), "0xsupplier"))
	pm.AssertExpectations(t)

	require.Equal(t, "c-1", got.ConcernID)
	require.Equal(t, "DAMAGE", got.Type)
	require.Equal(t, "WAREHOUSE", got.ReporterRole)
	require.Equal(t, "0xsupplier", got.SupplierWallet)
}

func TestDispatcher_PublishError(t *testing.T) {
	pm := &producerMock{}
	want := errors.New("broker down")
	pm.On("Publish", mock.Anything, "topic", mock.Anything, mock.Anything).Return(want).Once()

	err := New(pm, "topic").Dispatch(context.Background(), concern(), "")
	require.ErrorIs(t, err, want)
}
