package custody

import (
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DeriveSuite struct {
	suite.Suite
}

func (s *DeriveSuite) TestPrecedence() {
	c := models.ContainerCreated
	sc := models.ContainerScanned
	it := models.ContainerInTransit
	aw := models.ContainerAtWarehouse
	dl := models.ContainerDelivered

	cases := []struct {
		in   []models.ContainerStatus
		want models.ShipmentStatus
	}{
		{nil, models.ShipmentReadyForDispatch},
		{[]models.ContainerStatus{c, c}, models.ShipmentReadyForDispatch},
		{[]models.ContainerStatus{sc, c}, models.ShipmentReadyForDispatch},
		{[]models.ContainerStatus{it, c}, models.ShipmentInTransit},
		{[]models.ContainerStatus{it, it}, models.ShipmentInTransit},
		{[]models.ContainerStatus{it, aw}, models.ShipmentInTransit},
		{[]models.ContainerStatus{aw, c}, models.ShipmentAtWarehouse},
		{[]models.ContainerStatus{aw, aw}, models.ShipmentAtWarehouse},
		{[]models.ContainerStatus{aw, dl}, models.ShipmentAtWarehouse},
		{[]models.ContainerStatus{dl, it}, models.ShipmentInTransit},
		{[]models.ContainerStatus{dl, dl}, models.ShipmentDelivered},
		{[]models.ContainerStatus{dl}, models.ShipmentDelivered},
	}
	for _, tc := range cases {
		s.Equal(tc.want, DeriveShipmentStatus(tc.in), "%v", tc.in)
	}
}

func (s *DeriveSuite) TestDeterministicAndOrderIndependent() {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := 1 + r.Intn(6)
		in := make([]models.ContainerStatus, n)
		for j := range in {
			in[j] = allStatuses[r.Intn(len(allStatuses))]
		}
		first := DeriveShipmentStatus(in)
		s.Equal(first, DeriveShipmentStatus(in))

		shuffled := append([]models.ContainerStatus(nil), in...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		s.Equal(first, DeriveShipmentStatus(shuffled))
	}
}

func (s *DeriveSuite) TestUpdatePolicy() {
	s.True(ShipmentUpdatePolicy{}.Applies(models.RoleTransporter))
	deferred := ShipmentUpdatePolicy{DeferOnTransporterScan: true}
	s.False(deferred.Applies(models.RoleTransporter))
	s.True(deferred.Applies(models.RoleWarehouse))
	s.True(deferred.Applies(models.RoleRetailer))
}

func TestDeriveSuite(t *testing.T) {
	suite.Run(t, new(DeriveSuite))
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(models.ContainerCreated, models.ContainerInTransit))
	require.True(t, CanTransition(models.ContainerAtWarehouse, models.ContainerInTransit))
	require.True(t, CanTransition(models.ContainerAtWarehouse, models.ContainerAtWarehouse))
	require.False(t, CanTransition(models.ContainerInTransit, models.ContainerCreated))
	require.False(t, CanTransition(models.ContainerAtWarehouse, models.ContainerScanned))
	require.False(t, CanTransition(models.ContainerCreated, models.ContainerDelivered))
	for _, st := range allStatuses {
		require.False(t, CanTransition(models.ContainerDelivered, st))
	}
	require.True(t, IsTerminal(models.ContainerDelivered))
	require.False(t, IsTerminal(models.ContainerAtWarehouse))
}

func TestCanTransition_NeverBackwardExceptSecondLeg(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !CanTransition(from, to) {
				continue
			}
			if from == models.ContainerAtWarehouse && to == models.ContainerInTransit {
				continue
			}
			require.GreaterOrEqual(t, stage(to), stage(from), "%s -> %s", from, to)
		}
	}
}

func TestGate(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	block := uint64(77)

	unlocked := &models.Shipment{ShipmentHash: "SHP-1", Status: models.ShipmentCreated}
	snap, rej := Gate(unlocked, now)
	require.NotNil(t, rej)
	require.Equal(t, ReasonNotReadyForDispatch, rej.Code)
	require.Equal(t, http.StatusBadRequest, rej.Code.HTTPStatus())
	require.False(t, snap.IsLocked)
	require.Equal(t, now, snap.EvaluatedAt)

	empty := &models.Shipment{ShipmentHash: "SHP-2", TxHash: models.Ptr("")}
	_, rej = Gate(empty, now)
	require.NotNil(t, rej)

	locked := &models.Shipment{ShipmentHash: "SHP-3", TxHash: models.Ptr("0xabc"), BlockNumber: &block}
	snap, rej = Gate(locked, now)
	require.Nil(t, rej)
	require.True(t, snap.IsLocked)
	require.Equal(t, "0xabc", snap.TxHash)
	require.Equal(t, SnapshotSourceLocal, snap.Source)
	require.Equal(t, uint64(77), *snap.BlockNumber)
}

func TestReasonCode_HTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, ReasonInvalidFormat.HTTPStatus())
	require.Equal(t, http.StatusBadRequest, ReasonAlreadyScannedByWarehouse.HTTPStatus())
	require.Equal(t, http.StatusNotFound, ReasonContainerNotFound.HTTPStatus())
	require.Equal(t, http.StatusForbidden, ReasonRoleNotAllowed.HTTPStatus())
	require.Equal(t, http.StatusTooManyRequests, ReasonRateLimited.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, ReasonInternalError.HTTPStatus())
	require.Equal(t, "Already delivered", ReasonAlreadyDelivered.Reason())
}

func TestPendingRules(t *testing.T) {
	rules := PendingRules(models.RoleTransporter)
	require.Len(t, rules, 2)
	require.Equal(t, SlotAssignedTransporter, rules[0].Slot)
	require.Equal(t, models.ActionDispatchConfirm, rules[1].Action)
	require.Empty(t, PendingRules(models.RoleSupplier))
	require.Equal(t, walletT2, assignment().SlotValue(SlotNextTransporter))
}
