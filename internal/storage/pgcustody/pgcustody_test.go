package pgcustody

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	supplier    = "0xSUPPLIER"
	transporter = "0xTRANSPORTER"
	warehouse   = "0xWAREHOUSE"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "custodybox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/custodybox_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func pickupCommit(hash, containerID, wallet string, at time.Time) storage.ScanCommit {
	from, to := models.ContainerCreated, models.ContainerInTransit
	return storage.ScanCommit{
		ContainerID:    containerID,
		ShipmentHash:   hash,
		From:           from,
		To:             to,
		Actor:          models.ScanActor{Wallet: wallet, Role: models.RoleTransporter, Timestamp: at},
		UpdateShipment: true,
		Log: &models.ScanLog{
			ScanID:           uuid.NewString(),
			ContainerID:      models.Ptr(containerID),
			ShipmentHash:     models.Ptr(hash),
			Actor:            models.Actor{WalletAddress: wallet, Role: models.RoleTransporter},
			Action:           models.ActionCustodyPickup,
			Result:           models.ScanAccepted,
			PreviousStatus:   &from,
			NewStatus:        &to,
			ShipmentSnapshot: []byte(`{"shipmentHash":"` + hash + `"}`),
			ScannedAt:        at,
		},
	}
}

func TestPGCustody_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	sh, err := st.CreateShipment(ctx, models.ShipmentCreateInput{
		ShipmentHash:         "0xabc",
		SupplierWallet:       supplier,
		BatchID:              "B-1",
		ContainerIDs:         []string{"C-1", "C-2"},
		QuantityPerContainer: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 20, sh.TotalQuantity)
	require.Equal(t, models.ShipmentCreated, sh.Status)

	_, err = st.CreateShipment(ctx, models.ShipmentCreateInput{
		ShipmentHash: "0xabc", SupplierWallet: supplier, BatchID: "B-1",
		ContainerIDs: []string{"C-9"}, QuantityPerContainer: 1,
	})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	// назначения: пустая строка очищает слот, nil оставляет как есть
	sh, err = st.UpdateAssignments(ctx, "0xabc", models.Assignments{
		AssignedTransporter: models.Ptr(transporter),
		AssignedWarehouse:   models.Ptr(warehouse),
	})
	require.NoError(t, err)
	require.Equal(t, transporter, models.Deref(sh.AssignedTransporter))
	sh, err = st.UpdateAssignments(ctx, "0xabc", models.Assignments{AssignedWarehouse: models.Ptr("")})
	require.NoError(t, err)
	require.Nil(t, sh.AssignedWarehouse)
	require.Equal(t, transporter, models.Deref(sh.AssignedTransporter))
	_, err = st.UpdateAssignments(ctx, "0xabc", models.Assignments{AssignedWarehouse: models.Ptr(warehouse)})
	require.NoError(t, err)

	// pending is empty until the shipment is locked
	pending, err := st.ListPending(ctx, models.Actor{WalletAddress: transporter, Role: models.RoleTransporter}, custody.PendingRules(models.RoleTransporter), 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	lockedAt := time.Now().UTC().Truncate(time.Microsecond)
	sh, err = st.LockShipment(ctx, storage.LockInput{ShipmentHash: "0xabc", TxHash: "0xtx", BlockNumber: models.Ptr(uint64(42)), LockedAt: lockedAt})
	require.NoError(t, err)
	require.True(t, sh.IsLocked())
	require.Equal(t, models.ShipmentReadyForDispatch, sh.Status)
	require.Equal(t, uint64(42), *sh.BlockNumber)

	_, err = st.LockShipment(ctx, storage.LockInput{ShipmentHash: "0xabc", TxHash: "0xother", LockedAt: lockedAt})
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)

	pending, err = st.ListPending(ctx, models.Actor{WalletAddress: "0xtransporter", Role: models.RoleTransporter}, custody.PendingRules(models.RoleTransporter), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, models.ActionCustodyPickup, pending[0].Action)

	// first accepted scan moves the container and derives the shipment status
	at := time.Now().UTC().Truncate(time.Microsecond)
	res, err := st.CommitScan(ctx, pickupCommit("0xabc", "C-1", transporter, at))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, models.ContainerInTransit, res.Container.Status)
	require.Equal(t, transporter, res.Container.LastScannedBy.Wallet)
	require.True(t, res.StatusChanged)
	require.Equal(t, models.ShipmentReadyForDispatch, res.ShipmentPrevious)
	require.Equal(t, models.ShipmentInTransit, res.ShipmentCurrent)

	// replay returns the stored entry without touching state
	replay, err := st.CommitScan(ctx, pickupCommit("0xabc", "C-1", transporter, at.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, replay.Duplicate)
	require.Equal(t, res.Log.ScanID, replay.Log.ScanID)

	// stale expected status
	stale := pickupCommit("0xabc", "C-2", transporter, at)
	stale.From, stale.To = models.ContainerInTransit, models.ContainerAtWarehouse
	stale.Log.Action = models.ActionCustodyReceive
	_, err = st.CommitScan(ctx, stale)
	require.ErrorIs(t, err, storage.ErrStatusConflict)

	bad := pickupCommit("0xabc", "C-2", transporter, at)
	bad.To = models.ContainerDelivered
	_, err = st.CommitScan(ctx, bad)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := st.GetAcceptedScan(ctx, "C-1", models.ActionCustodyPickup, models.RoleTransporter)
	require.NoError(t, err)
	require.JSONEq(t, `{"shipmentHash":"0xabc"}`, string(got.ShipmentSnapshot))
	_, err = st.GetAcceptedScan(ctx, "C-2", models.ActionCustodyPickup, models.RoleTransporter)
	require.ErrorIs(t, err, storage.ErrNotFound)

	rej := &models.ScanLog{
		ScanID:          uuid.NewString(),
		ContainerID:     models.Ptr("C-1"),
		ShipmentHash:    models.Ptr("0xabc"),
		Actor:           models.Actor{WalletAddress: "0xstranger", Role: models.RoleRetailer},
		Action:          models.ActionVerifyOnly,
		Result:          models.ScanRejected,
		RejectionReason: models.Ptr(string(custody.ReasonRoleNotAllowed)),
		ScannedAt:       at.Add(2 * time.Second),
	}
	require.NoError(t, st.InsertScanLog(ctx, rej))

	logs, err := st.ListScansByShipment(ctx, "0xabc", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, rej.ScanID, logs[0].ScanID)

	logs, err = st.ListScansByContainer(ctx, "C-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, res.Log.ScanID, logs[0].ScanID)

	accepted, err := st.AcceptedScans(ctx, "C-1")
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	pending, err = st.ListPending(ctx, models.Actor{WalletAddress: transporter, Role: models.RoleTransporter}, custody.PendingRules(models.RoleTransporter), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "C-2", pending[0].ContainerID)

	history, err := st.ListStatusHistory(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.ShipmentInTransit, history[0].ToStatus)
	require.Equal(t, "C-1", history[0].ContainerID)

	ref, err := st.RefreshShipmentStatus(ctx, "0xabc", models.ScanActor{Wallet: supplier, Role: models.RoleSupplier, Timestamp: at})
	require.NoError(t, err)
	require.False(t, ref.Changed)
}

func TestPGCustody_ConcurrentCommitSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	_, err := st.CreateShipment(ctx, models.ShipmentCreateInput{
		ShipmentHash: "0xrace", SupplierWallet: supplier, BatchID: "B-2",
		ContainerIDs: []string{"R-1"}, QuantityPerContainer: 1,
	})
	require.NoError(t, err)
	_, err = st.LockShipment(ctx, storage.LockInput{ShipmentHash: "0xrace", TxHash: "0xtx", LockedAt: time.Now()})
	require.NoError(t, err)

	const n = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		fresh, dup int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.CommitScan(ctx, pickupCommit("0xrace", "R-1", transporter, time.Now().UTC()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && !res.Duplicate:
				fresh++
			case err == nil && res.Duplicate:
				dup++
			case errors.Is(err, storage.ErrStatusConflict), errors.Is(err, storage.ErrDuplicateScan):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fresh)
	require.Equal(t, n-1, dup)

	accepted, err := st.AcceptedScans(ctx, "R-1")
	require.NoError(t, err)
	require.Len(t, accepted, 1)
}

func TestPGCustody_Concerns(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	_, err := st.CreateShipment(ctx, models.ShipmentCreateInput{
		ShipmentHash: "0xcon", SupplierWallet: supplier, BatchID: "B-3",
		ContainerIDs: []string{"K-1"}, QuantityPerContainer: 5,
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &models.ShipmentConcern{
		ConcernID:      uuid.NewString(),
		ShipmentHash:   "0xcon",
		ContainerID:    "K-1",
		Type:           models.ConcernDamage,
		Severity:       models.SeverityHigh,
		Description:    "crushed corner",
		ReportedBy:     models.Actor{WalletAddress: warehouse, Role: models.RoleWarehouse},
		SupplierWallet: supplier,
		Status:         models.ConcernOpen,
		CreatedAt:      now,
	}
	require.NoError(t, st.InsertConcern(ctx, c))

	got, err := st.GetConcern(ctx, c.ConcernID)
	require.NoError(t, err)
	require.Equal(t, models.ConcernOpen, got.Status)
	require.False(t, got.NotificationSent)

	require.NoError(t, st.MarkConcernNotified(ctx, c.ConcernID, now))
	got, err = st.AcknowledgeConcern(ctx, c.ConcernID, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, got.NotificationSent)
	require.Equal(t, models.ConcernAcknowledged, got.Status)

	got, err = st.ResolveConcern(ctx, c.ConcernID, models.ConcernResolution{Note: "replaced", ResolvedBy: supplier, ResolvedAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, models.ConcernResolved, got.Status)
	require.Equal(t, "replaced", got.Resolution.Note)
	require.WithinDuration(t, now.Add(time.Minute), *got.AcknowledgedAt, time.Millisecond)

	list, err := st.ListConcernsByShipment(ctx, "0xcon", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = st.GetConcern(ctx, uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, st.MarkConcernNotified(ctx, uuid.NewString(), now), storage.ErrNotFound)
}

func TestPGCustody_ChainChecks(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	for _, hash := range []string{"0x1", "0x2"} {
		_, err := st.CreateShipment(ctx, models.ShipmentCreateInput{
			ShipmentHash: hash, SupplierWallet: supplier, BatchID: "B",
			ContainerIDs: []string{hash + "-c"}, QuantityPerContainer: 1,
		})
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	_, err := st.LockShipment(ctx, storage.LockInput{ShipmentHash: "0x1", TxHash: "0xtx1", LockedAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	// Делаем "due" только заблокированную отгрузку и проверяем lease
	lease := 10 * time.Second
	due, err := st.ClaimDueChainChecks(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "0x1", due[0].ShipmentHash)
	require.WithinDuration(t, now.Add(lease), *due[0].ChainNextCheckAt, 2*time.Second)

	due, err = st.ClaimDueChainChecks(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, due)

	err = st.ApplyChainCheck(ctx, storage.ChainCheck{
		ShipmentHash: "0x1", CheckedAt: now, NextCheckAt: now.Add(time.Minute),
		Error: models.Ptr("rpc timeout"),
	})
	require.NoError(t, err)
	sh, err := st.GetShipment(ctx, "0x1")
	require.NoError(t, err)
	require.Equal(t, int32(1), sh.ChainFailCount)
	require.Equal(t, "rpc timeout", models.Deref(sh.ChainLastError))

	err = st.ApplyChainCheck(ctx, storage.ChainCheck{
		ShipmentHash: "0x1", CheckedAt: now, NextCheckAt: now.Add(time.Hour),
		Status: "LOCKED", Locked: models.Ptr(true),
	})
	require.NoError(t, err)
	sh, err = st.GetShipment(ctx, "0x1")
	require.NoError(t, err)
	require.Zero(t, sh.ChainFailCount)
	require.Nil(t, sh.ChainLastError)
	require.True(t, *sh.ChainLocked)
	require.Equal(t, "0xtx1", models.Deref(sh.TxHash))

	err = st.ApplyChainCheck(ctx, storage.ChainCheck{ShipmentHash: "0xmissing", CheckedAt: now, NextCheckAt: now})
	require.ErrorIs(t, err, storage.ErrNotFound)
}
