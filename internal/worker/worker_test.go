package worker

import (
	"context"
	"testing"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/service"
	"ticketing-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldSweeperReleasesExpiredHolds(t *testing.T) {
	st := store.NewMemoryStore()
	ledger := service.NewLedger(st, nil)
	reservations := service.NewReservations(ledger, st, time.Millisecond)
	ctx := context.Background()

	unit := &models.InventoryUnit{
		EventID:   uuid.New(),
		EventDate: time.Now().UTC().Add(72 * time.Hour),
		Capacity:  5,
		Price:     5000,
		Currency:  "MXN",
		Active:    true,
	}
	require.NoError(t, ledger.CreateUnit(ctx, unit))

	_, err := reservations.HoldSeats(ctx, uuid.New(), []service.HoldRequest{
		{UnitID: unit.ID, Quantity: 3},
	})
	require.NoError(t, err)

	sweeper := NewHoldSweeper(reservations, 10*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		got, err := ledger.GetUnit(ctx, unit.ID)
		return err == nil && got.Held == 0
	}, time.Second, 10*time.Millisecond)

	got, err := ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Available())
}
