package scans

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/idgen"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/BearBump/CustodyBox/internal/storage/memcustody"
	"github.com/stretchr/testify/suite"
	"github.com/xuri/excelize/v2"
)

const hash = "SHP-2024-0001"

var (
	supplier     = models.Actor{WalletAddress: "0xSupplier", Role: models.RoleSupplier}
	firstLeg     = models.Actor{WalletAddress: "0xCarrierA", Role: models.RoleTransporter}
	secondLeg    = models.Actor{WalletAddress: "0xCarrierB", Role: models.RoleTransporter}
	stranger     = models.Actor{WalletAddress: "0xCarrierZ", Role: models.RoleTransporter}
	warehouseAct = models.Actor{WalletAddress: "0xWarehouse", Role: models.RoleWarehouse}
	retailerAct  = models.Actor{WalletAddress: "0xRetailer", Role: models.RoleRetailer}
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, value)
	return p.err
}

type fakeLimiter struct{ allowed bool }

func (l fakeLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return l.allowed, limit + 1, nil
}

type stubVerifier struct {
	available bool
	st        chain.ShipmentState
	err       error
}

func (v stubVerifier) IsAvailable(ctx context.Context) bool { return v.available }

func (v stubVerifier) GetShipment(ctx context.Context, hash string) (chain.ShipmentState, error) {
	return v.st, v.err
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, c *models.ShipmentConcern, target string) error {
	return nil
}

type ScanSuite struct {
	suite.Suite

	ctx   context.Context
	store *memcustody.Store
	svc   *Service
}

func (s *ScanSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memcustody.New()
	ids, err := idgen.New(1)
	s.Require().NoError(err)
	s.svc = New(s.store, ids)

	_, err = s.store.CreateShipment(s.ctx, models.ShipmentCreateInput{
		ShipmentHash:         hash,
		SupplierWallet:       supplier.WalletAddress,
		BatchID:              "BATCH-1",
		ContainerIDs:         []string{"CNT-001", "CNT-002"},
		QuantityPerContainer: 10,
	})
	s.Require().NoError(err)
	_, err = s.store.UpdateAssignments(s.ctx, hash, models.Assignments{
		AssignedTransporter: models.Ptr(firstLeg.WalletAddress),
		AssignedWarehouse:   models.Ptr(warehouseAct.WalletAddress),
		NextTransporter:     models.Ptr(secondLeg.WalletAddress),
		AssignedRetailer:    models.Ptr(retailerAct.WalletAddress),
	})
	s.Require().NoError(err)
}

func (s *ScanSuite) lock() {
	block := uint64(100)
	_, err := s.store.LockShipment(s.ctx, storage.LockInput{ShipmentHash: hash, TxHash: "0xtx", BlockNumber: &block, LockedAt: time.Now()})
	s.Require().NoError(err)
}

func (s *ScanSuite) scan(actor models.Actor, qr string) *Result {
	res, err := s.svc.Scan(s.ctx, Request{Actor: actor, QR: qr})
	s.Require().NoError(err)
	s.Require().NotNil(res)
	return res
}

func (s *ScanSuite) accepted(actor models.Actor, qr string) *Result {
	res := s.scan(actor, qr)
	s.Require().Nil(res.Rejection, "unexpected rejection: %v", res.Rejection)
	return res
}

func (s *ScanSuite) rejected(actor models.Actor, qr string, code custody.ReasonCode) *Result {
	res := s.scan(actor, qr)
	s.Require().NotNil(res.Rejection)
	s.Require().Equal(code, res.Rejection.Code, res.Rejection.Message)
	return res
}

func (s *ScanSuite) shipmentStatus() models.ShipmentStatus {
	sh, err := s.store.GetShipment(s.ctx, hash)
	s.Require().NoError(err)
	return sh.Status
}

func (s *ScanSuite) TestGate_UnlockedRejectsEveryRole() {
	for _, a := range []models.Actor{supplier, firstLeg, stranger, warehouseAct, retailerAct} {
		res := s.rejected(a, "CNT-001", custody.ReasonNotReadyForDispatch)
		s.Require().False(res.Shipment.IsLocked)
	}
	c, err := s.store.GetContainer(s.ctx, "CNT-001")
	s.Require().NoError(err)
	s.Require().Equal(models.ContainerCreated, c.Status)
}

func (s *ScanSuite) TestFullCustodyChain() {
	s.lock()

	res := s.accepted(firstLeg, "CNT-001")
	s.Require().Equal(models.ActionCustodyPickup, res.Action)
	s.Require().Equal(models.ContainerCreated, res.Container.PreviousStatus)
	s.Require().Equal(models.ContainerInTransit, res.Container.CurrentStatus)
	s.Require().Equal(firstLeg.WalletAddress, res.Container.LastScannedBy.Wallet)
	s.Require().True(res.Shipment.StatusChanged)
	s.Require().Equal(models.ShipmentReadyForDispatch, res.Shipment.PreviousStatus)
	s.Require().Equal(models.ShipmentInTransit, res.Shipment.CurrentStatus)
	s.Require().True(res.Shipment.IsLocked)
	s.Require().Equal("0xtx", res.Shipment.TxHash)
	s.Require().Regexp(`^SCN-\d+$`, res.ScanID)

	res = s.accepted(warehouseAct, "cnt-001")
	s.Require().Equal(models.ActionCustodyReceive, res.Action)
	s.Require().Equal(models.ContainerAtWarehouse, res.Container.CurrentStatus)
	s.Require().Equal(models.ShipmentAtWarehouse, res.Shipment.CurrentStatus)

	res = s.accepted(secondLeg, `{"containerId":"CNT-001"}`)
	s.Require().Equal(models.ActionDispatchConfirm, res.Action)
	s.Require().Equal(models.ContainerAtWarehouse, res.Container.PreviousStatus)
	s.Require().Equal(models.ContainerInTransit, res.Container.CurrentStatus)
	s.Require().Equal(models.ShipmentInTransit, res.Shipment.CurrentStatus)

	res = s.accepted(retailerAct, "CNT-001")
	s.Require().Equal(models.ActionFinalDelivery, res.Action)
	s.Require().Equal(models.ContainerDelivered, res.Container.CurrentStatus)
	// второй контейнер ещё не тронут
	s.Require().Equal(models.ShipmentAtWarehouse, res.Shipment.CurrentStatus)

	s.accepted(firstLeg, "CNT-002")
	res = s.accepted(retailerAct, "CNT-002")
	s.Require().Equal(models.ShipmentDelivered, res.Shipment.CurrentStatus)
	s.Require().Equal(models.ShipmentDelivered, s.shipmentStatus())

	hist, err := s.store.ListStatusHistory(s.ctx, hash)
	s.Require().NoError(err)
	s.Require().NotEmpty(hist)
	s.Require().Equal(models.ShipmentDelivered, hist[0].ToStatus)
	s.Require().Equal("CNT-002", hist[0].ContainerID)

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 4)
	s.Require().Equal(models.ActionFinalDelivery, logs[0].Action)
}

func (s *ScanSuite) TestReplayReturnsRecordedEntry() {
	s.lock()
	first := s.accepted(firstLeg, "CNT-001")
	again := s.accepted(firstLeg, "CNT-001")

	s.Require().True(again.Replayed)
	s.Require().Equal(first.ScanID, again.ScanID)
	s.Require().Equal(first.ScannedAt, again.ScannedAt)
	s.Require().Equal(models.ContainerCreated, again.Container.PreviousStatus)
	s.Require().Equal(models.ContainerInTransit, again.Container.CurrentStatus)

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
}

func (s *ScanSuite) TestReplayWalletOnBothLegs() {
	_, err := s.store.UpdateAssignments(s.ctx, hash, models.Assignments{
		NextTransporter: models.Ptr(firstLeg.WalletAddress),
	})
	s.Require().NoError(err)
	s.lock()

	pickup := s.accepted(firstLeg, "CNT-001")
	s.Require().Equal(models.ActionCustodyPickup, pickup.Action)
	s.Require().True(s.accepted(firstLeg, "CNT-001").Replayed)

	s.accepted(warehouseAct, "CNT-001")
	dispatch := s.accepted(firstLeg, "CNT-001")
	s.Require().Equal(models.ActionDispatchConfirm, dispatch.Action)
	s.Require().NotEqual(pickup.ScanID, dispatch.ScanID)

	again := s.accepted(firstLeg, "CNT-001")
	s.Require().True(again.Replayed)
	s.Require().Equal(dispatch.ScanID, again.ScanID)
	s.Require().Equal(models.ActionDispatchConfirm, again.Action)

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 3)
}

func (s *ScanSuite) TestWarehouseRescanRejected() {
	s.lock()
	s.accepted(firstLeg, "CNT-001")
	s.accepted(warehouseAct, "CNT-001")
	s.rejected(warehouseAct, "CNT-001", custody.ReasonAlreadyScannedByWarehouse)
}

func (s *ScanSuite) TestAlreadyDelivered() {
	s.lock()
	s.accepted(firstLeg, "CNT-001")
	s.accepted(retailerAct, "CNT-001")
	s.rejected(warehouseAct, "CNT-001", custody.ReasonAlreadyDelivered)
	s.rejected(secondLeg, "CNT-001", custody.ReasonAlreadyDelivered)
}

func (s *ScanSuite) TestAuthorization() {
	s.lock()
	s.rejected(stranger, "CNT-001", custody.ReasonRoleNotAllowed)
	s.rejected(supplier, "CNT-001", custody.ReasonRoleNotAllowed)
	s.rejected(models.Actor{WalletAddress: "0x1", Role: "ADMIN"}, "CNT-001", custody.ReasonRoleNotAllowed)
	s.rejected(retailerAct, "CNT-001", custody.ReasonInvalidStatusTransition)
	s.rejected(warehouseAct, "CNT-001", custody.ReasonInvalidStatusTransition)

	res, err := s.svc.Scan(s.ctx, Request{Actor: firstLeg, Role: models.RoleWarehouse, QR: "CNT-001"})
	s.Require().NoError(err)
	s.Require().Equal(custody.ReasonRoleNotAllowed, res.Rejection.Code)
}

func (s *ScanSuite) TestInputErrors() {
	s.lock()
	s.rejected(firstLeg, "   ", custody.ReasonMissingContainerID)
	s.rejected(firstLeg, "hello world", custody.ReasonInvalidFormat)
	res := s.rejected(firstLeg, hash, custody.ReasonMissingContainerID)
	s.Require().Equal(hash, res.Rejection.Context["shipmentHash"])
	s.rejected(firstLeg, "CNT-404", custody.ReasonContainerNotFound)
}

func (s *ScanSuite) TestRateLimited() {
	s.lock()
	s.svc.WithRateLimit(fakeLimiter{allowed: false}, 5)
	s.rejected(firstLeg, "CNT-001", custody.ReasonRateLimited)

	s.svc.WithRateLimit(fakeLimiter{allowed: true}, 5)
	s.accepted(firstLeg, "CNT-001")
}

func (s *ScanSuite) TestRejectionsEphemeralByDefault() {
	s.rejected(firstLeg, "CNT-001", custody.ReasonNotReadyForDispatch)
	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Empty(logs)
}

func (s *ScanSuite) TestRejectionsPersistedWhenEnabled() {
	s.svc.WithRejectionLogging(true)
	s.rejected(firstLeg, "CNT-001", custody.ReasonNotReadyForDispatch)

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Require().Equal(models.ScanRejected, logs[0].Result)
	s.Require().Equal(string(custody.ReasonNotReadyForDispatch), models.Deref(logs[0].RejectionReason))

	var snap models.BlockchainSnapshot
	s.Require().NoError(json.Unmarshal(logs[0].BlockchainSnapshot, &snap))
	s.Require().False(snap.IsLocked)

	// отклонённые записи не мешают последующему принятию
	s.lock()
	s.accepted(firstLeg, "CNT-001")
}

type failingRepo struct {
	*memcustody.Store
	err error
}

func (r failingRepo) AcceptedScans(ctx context.Context, containerID string) ([]*models.ScanLog, error) {
	return nil, r.err
}

func (s *ScanSuite) TestInternalErrorAlwaysRecorded() {
	s.lock()
	ids, _ := idgen.New(2)
	svc := New(failingRepo{Store: s.store, err: errors.New("db is gone")}, ids).WithProduction(true)

	res, err := svc.Scan(s.ctx, Request{Actor: firstLeg, QR: "CNT-001"})
	s.Require().Error(err)
	s.Require().Equal(custody.ReasonInternalError, res.Rejection.Code)
	s.Require().Equal("internal error", res.Rejection.Message)

	logs, err := s.store.ListScansByContainer(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Require().Equal(string(custody.ReasonInternalError), models.Deref(logs[0].RejectionReason))
}

func (s *ScanSuite) TestInternalErrorDetailsOutsideProduction() {
	s.lock()
	ids, _ := idgen.New(3)
	svc := New(failingRepo{Store: s.store, err: errors.New("db is gone")}, ids)

	res, err := svc.Scan(s.ctx, Request{Actor: firstLeg, QR: "CNT-001"})
	s.Require().Error(err)
	s.Require().Contains(res.Rejection.Message, "db is gone")
}

func (s *ScanSuite) TestConcurrentSameScanSingleCommit() {
	s.lock()
	const n = 16
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.svc.Scan(s.ctx, Request{Actor: firstLeg, QR: "CNT-001"})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	scanID := ""
	for _, r := range results {
		s.Require().NotNil(r)
		s.Require().Nil(r.Rejection)
		if !r.Replayed {
			fresh++
		}
		if scanID == "" {
			scanID = r.ScanID
		}
		s.Require().Equal(scanID, r.ScanID)
	}
	s.Require().Equal(1, fresh)

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
}

func (s *ScanSuite) TestDeferredShipmentUpdate() {
	s.lock()
	s.svc.WithPolicy(custody.ShipmentUpdatePolicy{DeferOnTransporterScan: true})

	res := s.accepted(firstLeg, "CNT-001")
	s.Require().False(res.Shipment.StatusChanged)
	s.Require().Equal(models.ShipmentReadyForDispatch, s.shipmentStatus())

	res = s.accepted(warehouseAct, "CNT-001")
	s.Require().True(res.Shipment.StatusChanged)
	s.Require().Equal(models.ShipmentAtWarehouse, res.Shipment.CurrentStatus)
}

func (s *ScanSuite) TestCorroborationAnnotatesSnapshot() {
	s.lock()
	s.svc.WithVerifier(stubVerifier{available: true, st: chain.ShipmentState{Status: chain.StatusUnlocked}}, time.Second)

	// цепочка не подтверждает блокировку, но решение принимается по локальным данным
	s.accepted(firstLeg, "CNT-001")

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	var snap models.BlockchainSnapshot
	s.Require().NoError(json.Unmarshal(logs[0].BlockchainSnapshot, &snap))
	s.Require().True(snap.IsLocked)
	s.Require().Equal(custody.SnapshotSourceCorroborated, snap.Source)
	s.Require().Equal(chain.StatusUnlocked, snap.ChainStatus)
	s.Require().False(*snap.ChainLocked)

	var shipSnap models.ShipmentSnapshot
	s.Require().NoError(json.Unmarshal(logs[0].ShipmentSnapshot, &shipSnap))
	s.Require().Equal(hash, shipSnap.ShipmentHash)
}

func (s *ScanSuite) TestCorroborationUnavailable() {
	s.lock()
	s.svc.WithVerifier(stubVerifier{available: false}, time.Second)
	s.accepted(firstLeg, "CNT-001")

	logs, err := s.svc.ContainerHistory(s.ctx, "CNT-001", 0, 0)
	s.Require().NoError(err)
	var snap models.BlockchainSnapshot
	s.Require().NoError(json.Unmarshal(logs[0].BlockchainSnapshot, &snap))
	s.Require().Equal(custody.SnapshotSourceLocal, snap.Source)
	s.Require().Equal(chain.ErrUnavailable.Error(), snap.ChainError)
}

func (s *ScanSuite) TestEventsAndConcern() {
	s.lock()
	fp := &fakeProducer{}
	cs := concerns.New(s.store, nopDispatcher{}, time.Second)
	s.svc.WithEvents(fp, "custody.scan.accepted").WithConcerns(cs)

	res, err := s.svc.Scan(s.ctx, Request{
		Actor:    firstLeg,
		QR:       "CNT-001",
		Location: " Dock 4 ",
		Concern:  &ConcernRequest{Description: "seal broken", Type: models.ConcernTamper, Severity: models.SeverityHigh},
	})
	s.Require().NoError(err)
	cs.Wait()
	s.Require().Nil(res.Rejection)
	s.Require().NotNil(res.Concern)
	s.Require().Equal(res.ScanID, res.Concern.ScanID)
	s.Require().Equal(supplier.WalletAddress, res.Concern.SupplierWallet)

	s.Require().Len(fp.msgs, 1)
	var msg messages.ScanAccepted
	s.Require().NoError(json.Unmarshal(fp.msgs[0], &msg))
	s.Require().Equal(res.ScanID, msg.ScanID)
	s.Require().Equal("Dock 4", msg.Location)
	s.Require().True(msg.ShipmentStatusChanged)

	// повтор не публикуется и не создаёт новую претензию
	again := s.accepted(firstLeg, "CNT-001")
	s.Require().True(again.Replayed)
	s.Require().Nil(again.Concern)
	s.Require().Len(fp.msgs, 1)
}

func (s *ScanSuite) TestPublishFailureDoesNotFailScan() {
	s.lock()
	s.svc.WithEvents(&fakeProducer{err: errors.New("broker down")}, "t")
	s.accepted(firstLeg, "CNT-001")
}

func (s *ScanSuite) TestVerifyDoesNotMutate() {
	s.lock()
	v, err := s.svc.Verify(s.ctx, firstLeg, "CNT-001")
	s.Require().NoError(err)
	s.Require().Nil(v.Rejection)
	s.Require().Equal(models.ActionCustodyPickup, v.Action)
	s.Require().Equal(models.ContainerInTransit, v.NextStatus)
	s.Require().True(v.Blockchain.IsLocked)

	c, err := s.store.GetContainer(s.ctx, "CNT-001")
	s.Require().NoError(err)
	s.Require().Equal(models.ContainerCreated, c.Status)

	s.accepted(firstLeg, "CNT-001")
	v, err = s.svc.Verify(s.ctx, firstLeg, "CNT-001")
	s.Require().NoError(err)
	s.Require().True(v.AlreadyRecorded)

	v, err = s.svc.Verify(s.ctx, retailerAct, hash)
	s.Require().NoError(err)
	s.Require().Nil(v.Container)
	s.Require().Equal(hash, v.Shipment.ShipmentHash)

	v, err = s.svc.Verify(s.ctx, stranger, "CNT-002")
	s.Require().NoError(err)
	s.Require().Equal(custody.ReasonRoleNotAllowed, v.Rejection.Code)

	v, err = s.svc.Verify(s.ctx, firstLeg, "nonsense")
	s.Require().NoError(err)
	s.Require().Equal(custody.ReasonInvalidFormat, v.Rejection.Code)
}

func (s *ScanSuite) TestPending() {
	s.lock()
	p, err := s.svc.Pending(s.ctx, firstLeg, 0)
	s.Require().NoError(err)
	s.Require().Len(p, 2)

	s.accepted(firstLeg, "CNT-001")
	p, err = s.svc.Pending(s.ctx, firstLeg, 0)
	s.Require().NoError(err)
	s.Require().Len(p, 1)
	s.Require().Equal("CNT-002", p[0].ContainerID)

	p, err = s.svc.Pending(s.ctx, warehouseAct, 0)
	s.Require().NoError(err)
	s.Require().Len(p, 1)
	s.Require().Equal(models.ActionCustodyReceive, p[0].Action)

	p, err = s.svc.Pending(s.ctx, supplier, 0)
	s.Require().NoError(err)
	s.Require().Empty(p)
}

func (s *ScanSuite) TestHistoryNotFound() {
	_, err := s.svc.ShipmentHistory(s.ctx, "SHP-404", 0, 0)
	var rej *custody.Rejection
	s.Require().ErrorAs(err, &rej)
	s.Require().Equal(custody.ReasonShipmentNotFound, rej.Code)

	_, err = s.svc.ContainerHistory(s.ctx, "CNT-404", 0, 0)
	s.Require().ErrorAs(err, &rej)
	s.Require().Equal(custody.ReasonContainerNotFound, rej.Code)
}

func (s *ScanSuite) TestExportShipment() {
	s.lock()
	s.accepted(firstLeg, "CNT-001")
	s.accepted(warehouseAct, "CNT-001")

	var buf bytes.Buffer
	s.Require().NoError(s.svc.ExportShipment(s.ctx, hash, &buf))

	f, err := excelize.OpenReader(&buf)
	s.Require().NoError(err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(exportSheet)
	s.Require().NoError(err)
	s.Require().Len(rows, 3)
	s.Require().Equal("Scan ID", rows[0][0])
	s.Require().Equal(string(models.ActionCustodyReceive), rows[1][3])
}

func TestScanSuite(t *testing.T) {
	suite.Run(t, new(ScanSuite))
}
