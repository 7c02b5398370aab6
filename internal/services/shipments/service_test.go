package shipments

import (
	"context"
	"testing"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/BearBump/CustodyBox/internal/storage/memcustody"
	"github.com/stretchr/testify/require"
)

var (
	supplier    = models.Actor{WalletAddress: "0xSupplier", Role: models.RoleSupplier}
	transporter = models.Actor{WalletAddress: "0xCarrier", Role: models.RoleTransporter}
)

func requireCode(t *testing.T, err error, code custody.ReasonCode) {
	t.Helper()
	var rej *custody.Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, code, rej.Code)
}

func TestCreate_NormalizesAndPersists(t *testing.T) {
	svc := New(memcustody.New())
	d, err := svc.Create(context.Background(), supplier, CreateInput{
		ShipmentHash:         "shp-2024-001",
		BatchID:              " B1 ",
		ContainerIDs:         []string{"cnt-001", "CNT-002"},
		QuantityPerContainer: 5,
	})
	require.NoError(t, err)
	require.Equal(t, "SHP-2024-001", d.Shipment.ShipmentHash)
	require.Equal(t, "B1", d.Shipment.BatchID)
	require.Equal(t, 10, d.Shipment.TotalQuantity)
	require.Equal(t, models.ShipmentCreated, d.Shipment.Status)
	require.Len(t, d.Containers, 2)
	require.Equal(t, "CNT-001", d.Containers[0].ContainerID)
}

func TestCreate_Validation(t *testing.T) {
	svc := New(memcustody.New())
	ctx := context.Background()
	ok := CreateInput{ShipmentHash: "SHP-1", BatchID: "B", ContainerIDs: []string{"CNT-1"}, QuantityPerContainer: 1}

	_, err := svc.Create(ctx, transporter, ok)
	requireCode(t, err, custody.ReasonRoleNotAllowed)

	bad := ok
	bad.ShipmentHash = "nope"
	_, err = svc.Create(ctx, supplier, bad)
	requireCode(t, err, custody.ReasonInvalidFormat)

	bad = ok
	bad.ContainerIDs = nil
	_, err = svc.Create(ctx, supplier, bad)
	requireCode(t, err, custody.ReasonMissingContainerID)

	bad = ok
	bad.ContainerIDs = []string{"CNT-1", "cnt-1"}
	_, err = svc.Create(ctx, supplier, bad)
	requireCode(t, err, custody.ReasonInvalidFormat)

	bad = ok
	bad.ContainerIDs = []string{"BOX-1"}
	_, err = svc.Create(ctx, supplier, bad)
	requireCode(t, err, custody.ReasonInvalidFormat)

	bad = ok
	bad.QuantityPerContainer = 0
	_, err = svc.Create(ctx, supplier, bad)
	requireCode(t, err, custody.ReasonInvalidFormat)

	_, err = svc.Create(ctx, supplier, ok)
	require.NoError(t, err)
	_, err = svc.Create(ctx, supplier, ok)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestLockAssignRefresh(t *testing.T) {
	svc := New(memcustody.New())
	ctx := context.Background()
	_, err := svc.Create(ctx, supplier, CreateInput{ShipmentHash: "SHP-9", BatchID: "B", ContainerIDs: []string{"CNT-9"}, QuantityPerContainer: 1})
	require.NoError(t, err)

	_, err = svc.RefreshStatus(ctx, supplier, "SHP-9")
	requireCode(t, err, custody.ReasonNotReadyForDispatch)

	_, err = svc.Lock(ctx, supplier, "SHP-404", "0xtx", nil)
	requireCode(t, err, custody.ReasonShipmentNotFound)

	other := models.Actor{WalletAddress: "0xOther", Role: models.RoleSupplier}
	_, err = svc.Lock(ctx, other, "SHP-9", "0xtx", nil)
	requireCode(t, err, custody.ReasonRoleNotAllowed)

	_, err = svc.Lock(ctx, supplier, "SHP-9", " ", nil)
	requireCode(t, err, custody.ReasonInvalidFormat)

	block := uint64(42)
	sh, err := svc.Lock(ctx, supplier, "shp-9", "0xtx", &block)
	require.NoError(t, err)
	require.True(t, sh.IsLocked())
	require.Equal(t, models.ShipmentReadyForDispatch, sh.Status)

	_, err = svc.Lock(ctx, supplier, "SHP-9", "0xtx2", nil)
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)

	_, err = svc.RefreshStatus(ctx, transporter, "SHP-9")
	requireCode(t, err, custody.ReasonRoleNotAllowed)

	sh, err = svc.Assign(ctx, supplier, "SHP-9", models.Assignments{AssignedTransporter: models.Ptr(" 0xCarrier ")})
	require.NoError(t, err)
	require.Equal(t, "0xCarrier", models.Deref(sh.AssignedTransporter))

	ref, err := svc.RefreshStatus(ctx, transporter, "SHP-9")
	require.NoError(t, err)
	require.False(t, ref.Changed)
	require.Equal(t, models.ShipmentReadyForDispatch, ref.Current)

	d, err := svc.Get(ctx, "SHP-9")
	require.NoError(t, err)
	require.Len(t, d.Containers, 1)

	_, err = svc.History(ctx, "SHP-404")
	requireCode(t, err, custody.ReasonShipmentNotFound)
	_, err = svc.History(ctx, "SHP-9")
	require.NoError(t, err)
}
