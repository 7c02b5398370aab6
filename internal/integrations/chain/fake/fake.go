package fake

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/BearBump/CustodyBox/internal/integrations/chain"
)

// FakeVerifier: заглушка контракта для локального запуска без ноды.
// Статус детерминирован по хэшу отгрузки: примерно каждая десятая считается не найденной.
type FakeVerifier struct{}

func New() *FakeVerifier { return &FakeVerifier{} }

func (f *FakeVerifier) IsAvailable(ctx context.Context) bool { return ctx.Err() == nil }

func (f *FakeVerifier) GetShipment(ctx context.Context, shipmentHash string) (chain.ShipmentState, error) {
	if err := ctx.Err(); err != nil {
		return chain.ShipmentState{}, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(shipmentHash)))
	v := h.Sum32()

	if v%10 == 0 {
		return chain.ShipmentState{}, chain.ErrNotFound
	}
	block := uint64(v % 1_000_000)
	return chain.ShipmentState{
		Status:      chain.StatusLocked,
		IsLocked:    true,
		BlockNumber: &block,
	}, nil
}
