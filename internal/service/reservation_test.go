package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store        *store.MemoryStore
	ledger       *Ledger
	reservations *Reservations
}

func newTestEnv(t *testing.T, ttl time.Duration) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := NewLedger(st, nil)
	return &testEnv{
		store:        st,
		ledger:       ledger,
		reservations: NewReservations(ledger, st, ttl),
	}
}

func (e *testEnv) addUnit(t *testing.T, capacity int, price int64) *models.InventoryUnit {
	t.Helper()
	unit := &models.InventoryUnit{
		EventID:    uuid.New(),
		EventDate:  time.Now().UTC().Add(30 * 24 * time.Hour),
		TicketType: "general",
		Capacity:   capacity,
		Price:      price,
		Currency:   "MXN",
		Active:     true,
	}
	require.NoError(t, e.ledger.CreateUnit(context.Background(), unit))
	return unit
}

func TestHoldSeatsReducesAvailability(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	unit := env.addUnit(t, 10, 5000)
	ctx := context.Background()

	holds, err := env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
		{UnitID: unit.ID, Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, models.HoldStatusActive, holds[0].Status)

	got, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Held)
	assert.Equal(t, 0, got.Sold)
	assert.Equal(t, 7, got.Available())
}

func TestConcurrentHoldsNeverOversell(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	unit := env.addUnit(t, 10, 5000)
	ctx := context.Background()

	const buyers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
				{UnitID: unit.ID, Quantity: 1},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)

	got, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Held)
	assert.Equal(t, 0, got.Available())
}

func TestHoldSeatsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	plenty := env.addUnit(t, 10, 5000)
	scarce := env.addUnit(t, 1, 9000)
	ctx := context.Background()

	// exhaust the scarce unit first
	_, err := env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
		{UnitID: scarce.ID, Quantity: 1},
	})
	require.NoError(t, err)

	_, err = env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
		{UnitID: plenty.ID, Quantity: 2},
		{UnitID: scarce.ID, Quantity: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSeatUnavailable)

	// the hold on the first unit must have been rolled back
	got, err := env.ledger.GetUnit(ctx, plenty.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Held)
}

func TestExpireStaleHoldsReleasesInventory(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	unit := env.addUnit(t, 5, 5000)
	ctx := context.Background()

	_, err := env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
		{UnitID: unit.ID, Quantity: 2},
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// held stays claimed until the sweep actually runs
	got, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Held)

	swept, err := env.reservations.ExpireStaleHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err = env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Held)
	assert.Equal(t, 5, got.Available())
}

func TestPromoteExpiredHoldFails(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	unit := env.addUnit(t, 5, 5000)
	ctx := context.Background()
	buyer := uuid.New()

	holds, err := env.reservations.HoldSeats(ctx, buyer, []HoldRequest{
		{UnitID: unit.ID, Quantity: 1},
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = env.reservations.Promote(ctx, buyer, []uuid.UUID{holds[0].ID})
	assert.ErrorIs(t, err, models.ErrHoldExpired)

	// the failed promote leaves the hold for the sweep
	hold, err := env.reservations.GetHold(ctx, holds[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusActive, hold.Status)

	swept, err := env.reservations.ExpireStaleHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}

func TestPromoteMintsTickets(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	unit := env.addUnit(t, 5, 5000)
	ctx := context.Background()
	buyer := uuid.New()

	holds, err := env.reservations.HoldSeats(ctx, buyer, []HoldRequest{
		{UnitID: unit.ID, Quantity: 2},
	})
	require.NoError(t, err)

	tickets, err := env.reservations.Promote(ctx, buyer, []uuid.UUID{holds[0].ID})
	require.NoError(t, err)
	require.Len(t, tickets, 2)

	for _, ticket := range tickets {
		assert.Equal(t, models.TicketStatusReserved, ticket.Status)
		assert.Equal(t, unit.Price, ticket.Price)
		assert.NotEmpty(t, ticket.TicketNumber)
		assert.NotEmpty(t, ticket.ValidationCode)
	}

	got, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Sold)
	assert.Equal(t, 0, got.Held)
}

func TestPromoteRejectsForeignHold(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	unit := env.addUnit(t, 5, 5000)
	ctx := context.Background()

	holds, err := env.reservations.HoldSeats(ctx, uuid.New(), []HoldRequest{
		{UnitID: unit.ID, Quantity: 1},
	})
	require.NoError(t, err)

	_, err = env.reservations.Promote(ctx, uuid.New(), []uuid.UUID{holds[0].ID})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

// flakyTicketStore fails ticket creation after a set number of successes and
// records the tickets that did land.
type flakyTicketStore struct {
	store.Store
	remaining int
	minted    []uuid.UUID
}

func (s *flakyTicketStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	if s.remaining <= 0 {
		return fmt.Errorf("insert failed")
	}
	s.remaining--
	if err := s.Store.CreateTicket(ctx, t); err != nil {
		return err
	}
	s.minted = append(s.minted, t.ID)
	return nil
}

func TestPromoteAbortedMintCancelsTickets(t *testing.T) {
	flaky := &flakyTicketStore{Store: store.NewMemoryStore(), remaining: 1}
	ledger := NewLedger(flaky, nil)
	reservations := NewReservations(ledger, flaky, time.Minute)
	ctx := context.Background()
	buyer := uuid.New()

	unit := &models.InventoryUnit{
		EventID:    uuid.New(),
		EventDate:  time.Now().UTC().Add(30 * 24 * time.Hour),
		TicketType: "general",
		Capacity:   5,
		Price:      5000,
		Currency:   "MXN",
		Active:     true,
	}
	require.NoError(t, ledger.CreateUnit(ctx, unit))

	holds, err := reservations.HoldSeats(ctx, buyer, []HoldRequest{
		{UnitID: unit.ID, Quantity: 2},
	})
	require.NoError(t, err)

	// the second mint fails; the batch must leave nothing behind
	_, err = reservations.Promote(ctx, buyer, []uuid.UUID{holds[0].ID})
	require.Error(t, err)

	got, err := ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Sold)
	assert.Equal(t, 0, got.Held)

	require.Len(t, flaky.minted, 1)
	ticket, err := flaky.GetTicket(ctx, flaky.minted[0])
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusCancelled, ticket.Status)
}

func TestPromoteCompensatesPartialFailure(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	first := env.addUnit(t, 5, 5000)
	second := env.addUnit(t, 5, 7000)
	ctx := context.Background()
	buyer := uuid.New()

	holds, err := env.reservations.HoldSeats(ctx, buyer, []HoldRequest{
		{UnitID: first.ID, Quantity: 1},
		{UnitID: second.ID, Quantity: 1},
	})
	require.NoError(t, err)

	// release the second hold behind the buyer's back
	require.NoError(t, env.ledger.Release(ctx, holds[1].ID, models.HoldStatusReleased))

	_, err = env.reservations.Promote(ctx, buyer, []uuid.UUID{holds[0].ID, holds[1].ID})
	require.Error(t, err)

	// the first hold's commit must have been reversed
	got, err := env.ledger.GetUnit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Sold)
	assert.Equal(t, 0, got.Held)
}
