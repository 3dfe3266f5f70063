package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs the service
// tests and single-node development runs; the mutex gives the same
// serialization the SQL row locks give in production.
type MemoryStore struct {
	mu sync.Mutex

	units    map[uuid.UUID]*models.InventoryUnit
	holds    map[uuid.UUID]*models.Hold
	tickets  map[uuid.UUID]*models.Ticket
	orders   map[uuid.UUID]*models.Order
	attempts map[uuid.UUID]*models.PaymentAttempt

	counters      map[string]int
	confirmations map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:         make(map[uuid.UUID]*models.InventoryUnit),
		holds:         make(map[uuid.UUID]*models.Hold),
		tickets:       make(map[uuid.UUID]*models.Ticket),
		orders:        make(map[uuid.UUID]*models.Order),
		attempts:      make(map[uuid.UUID]*models.PaymentAttempt),
		counters:      make(map[string]int),
		confirmations: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateUnit(_ context.Context, unit *models.InventoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	if _, ok := s.units[unit.ID]; ok {
		return fmt.Errorf("unit %s already exists", unit.ID)
	}
	unit.UpdatedAt = time.Now().UTC()
	cp := *unit
	s.units[unit.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUnit(_ context.Context, id uuid.UUID) (*models.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return nil, models.ErrUnitNotFound
	}
	cp := *unit
	return &cp, nil
}

func (s *MemoryStore) ListUnitsByEvent(_ context.Context, eventID uuid.UUID) ([]models.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var units []models.InventoryUnit
	for _, u := range s.units {
		if u.EventID == eventID {
			units = append(units, *u)
		}
	}
	return units, nil
}

func (s *MemoryStore) UpdateUnitPrice(_ context.Context, id uuid.UUID, price int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return models.ErrUnitNotFound
	}
	unit.Price = price
	unit.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeactivateUnit(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return models.ErrUnitNotFound
	}
	unit.Active = false
	unit.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReserveUnit(_ context.Context, hold *models.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[hold.UnitID]
	if !ok {
		return models.ErrUnitNotFound
	}
	if !unit.Active || unit.Available() < hold.Quantity {
		return models.ErrSeatUnavailable
	}
	unit.Held += hold.Quantity
	unit.UpdatedAt = time.Now().UTC()
	cp := *hold
	s.holds[hold.ID] = &cp
	return nil
}

func (s *MemoryStore) ReleaseSold(_ context.Context, unitID uuid.UUID, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[unitID]
	if !ok {
		return models.ErrUnitNotFound
	}
	unit.Sold -= quantity
	if unit.Sold < 0 {
		unit.Sold = 0
	}
	unit.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReleaseHold(_ context.Context, holdID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok || hold.Status != models.HoldStatusActive {
		return models.ErrHoldNotFound
	}
	unit := s.units[hold.UnitID]
	unit.Held -= hold.Quantity
	unit.UpdatedAt = time.Now().UTC()
	hold.Status = status
	return nil
}

func (s *MemoryStore) CommitHold(_ context.Context, holdID uuid.UUID, now time.Time) (*models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok || hold.Status != models.HoldStatusActive {
		return nil, models.ErrHoldNotFound
	}
	if hold.Expired(now) {
		return nil, models.ErrHoldExpired
	}
	unit := s.units[hold.UnitID]
	unit.Held -= hold.Quantity
	unit.Sold += hold.Quantity
	unit.UpdatedAt = time.Now().UTC()
	hold.Status = models.HoldStatusPromoted
	cp := *hold
	return &cp, nil
}

func (s *MemoryStore) ReverseCommit(_ context.Context, holdID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok || hold.Status != models.HoldStatusPromoted {
		return models.ErrHoldNotFound
	}
	unit := s.units[hold.UnitID]
	unit.Sold -= hold.Quantity
	unit.UpdatedAt = time.Now().UTC()
	hold.Status = models.HoldStatusReleased
	return nil
}

func (s *MemoryStore) GetHold(_ context.Context, holdID uuid.UUID) (*models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok {
		return nil, models.ErrHoldNotFound
	}
	cp := *hold
	return &cp, nil
}

func (s *MemoryStore) ListExpiredHolds(_ context.Context, now time.Time) ([]models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var holds []models.Hold
	for _, h := range s.holds {
		if h.Status == models.HoldStatusActive && h.Expired(now) {
			holds = append(holds, *h)
		}
	}
	return holds, nil
}

func (s *MemoryStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := copyTicket(t)
	s.tickets[t.ID] = cp
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, id uuid.UUID) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	return copyTicket(t), nil
}

func (s *MemoryStore) GetTicketByNumber(_ context.Context, number string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.TicketNumber == number {
			return copyTicket(t), nil
		}
	}
	return nil, models.ErrTicketNotFound
}

func (s *MemoryStore) GetTicketsByIDs(_ context.Context, ids []uuid.UUID) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tickets := make([]models.Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tickets[id]; ok {
			tickets = append(tickets, *copyTicket(t))
		}
	}
	return tickets, nil
}

func (s *MemoryStore) ListTicketsByOrder(_ context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, t := range s.tickets {
		if t.OrderID != nil && *t.OrderID == orderID {
			tickets = append(tickets, *copyTicket(t))
		}
	}
	return tickets, nil
}

func (s *MemoryStore) UpdateTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; !ok {
		return models.ErrTicketNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.tickets[t.ID] = copyTicket(t)
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return models.ErrOrderNotFound
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[o.ID] = copyOrder(o)
	return nil
}

// CompleteOrder applies the confirmed order, its tickets, the attempt, and
// the confirmation key under one mutex hold.
func (s *MemoryStore) CompleteOrder(_ context.Context, o *models.Order, tickets []models.Ticket, attempt *models.PaymentAttempt, confirmKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return models.ErrOrderNotFound
	}
	now := time.Now().UTC()
	o.UpdatedAt = now
	s.orders[o.ID] = copyOrder(o)
	for i := range tickets {
		t := &tickets[i]
		if _, ok := s.tickets[t.ID]; !ok {
			continue
		}
		t.UpdatedAt = now
		s.tickets[t.ID] = copyTicket(t)
	}
	if attempt != nil {
		if stored, ok := s.attempts[attempt.ID]; ok {
			stored.Status = attempt.Status
			stored.LastSyncedAt = now
		}
	}
	s.confirmations[confirmKey] = struct{}{}
	return nil
}

func (s *MemoryStore) NextOrderNumber(_ context.Context, day time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := day.UTC().Format("060102")
	s.counters[key]++
	return fmt.Sprintf("%s%04d", key, s.counters[key]), nil
}

func (s *MemoryStore) CreatePaymentAttempt(_ context.Context, a *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastSyncedAt = now
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdatePaymentAttempt(_ context.Context, a *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attempts[a.ID]
	if !ok {
		return fmt.Errorf("payment attempt %s not found", a.ID)
	}
	a.LastSyncedAt = time.Now().UTC()
	stored.Status = a.Status
	stored.LastSyncedAt = a.LastSyncedAt
	return nil
}

func (s *MemoryStore) LatestPaymentAttempt(_ context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PaymentAttempt
	for _, a := range s.attempts {
		if a.OrderID != orderID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, models.ErrOrderNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListStalePaymentAttempts(_ context.Context, olderThan time.Time) ([]models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var attempts []models.PaymentAttempt
	for _, a := range s.attempts {
		if (a.Status == models.PaymentStatusPending || a.Status == models.PaymentStatusProcessing) &&
			a.LastSyncedAt.Before(olderThan) {
			attempts = append(attempts, *a)
		}
	}
	return attempts, nil
}

func (s *MemoryStore) IsConfirmationProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.confirmations[key]
	return ok, nil
}

func (s *MemoryStore) MarkConfirmationProcessed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations[key] = struct{}{}
	return nil
}

func copyTicket(t *models.Ticket) *models.Ticket {
	cp := *t
	cp.Transfers = append(models.Transfers(nil), t.Transfers...)
	if t.OrderID != nil {
		id := *t.OrderID
		cp.OrderID = &id
	}
	return &cp
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append(models.OrderItems(nil), o.Items...)
	cp.StatusHistory = append(models.StatusHistory(nil), o.StatusHistory...)
	cp.Refunds = append(models.Refunds(nil), o.Refunds...)
	return &cp
}
