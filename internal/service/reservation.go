package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHoldTTL bounds how long a buyer can sit on inventory at checkout.
const DefaultHoldTTL = 15 * time.Minute

// HoldRequest asks for quantity units from one inventory unit.
type HoldRequest struct {
	UnitID   uuid.UUID `json:"unit_id"`
	Quantity int       `json:"quantity"`
}

// Reservations implements the hold lifecycle: all-or-nothing multi-unit
// holds, TTL expiry, and promotion into tickets.
type Reservations struct {
	ledger  *Ledger
	store   store.Store
	holdTTL time.Duration
	logger  *zap.Logger
}

// NewReservations creates the service. holdTTL <= 0 falls back to the default.
func NewReservations(ledger *Ledger, st store.Store, holdTTL time.Duration) *Reservations {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Reservations{ledger: ledger, store: st, holdTTL: holdTTL, logger: util.GetLogger()}
}

// HoldTTL exposes the configured TTL for API responses.
func (r *Reservations) HoldTTL() time.Duration {
	return r.holdTTL
}

// HoldSeats places one hold per request, all or nothing: when any unit
// cannot satisfy its quantity, every hold already placed in this call is
// released before the error returns.
func (r *Reservations) HoldSeats(ctx context.Context, buyerID uuid.UUID, reqs []HoldRequest) ([]models.Hold, error) {
	ctx, span := util.StartSpan(ctx, "reservations.HoldSeats")
	defer span.End()

	if len(reqs) == 0 {
		return nil, fmt.Errorf("no hold requests given")
	}
	for _, req := range reqs {
		if req.Quantity < 1 {
			return nil, fmt.Errorf("quantity must be at least 1 for unit %s", req.UnitID)
		}
	}

	now := time.Now().UTC()
	holds := make([]models.Hold, 0, len(reqs))
	for _, req := range reqs {
		hold := models.Hold{
			ID:        uuid.New(),
			UnitID:    req.UnitID,
			BuyerID:   buyerID,
			Quantity:  req.Quantity,
			Status:    models.HoldStatusActive,
			CreatedAt: now,
			ExpiresAt: now.Add(r.holdTTL),
		}
		if err := r.ledger.Reserve(ctx, &hold); err != nil {
			r.rollbackHolds(ctx, holds)
			return nil, fmt.Errorf("unit %s: %w", req.UnitID, err)
		}
		holds = append(holds, hold)
		util.HoldsCreatedTotal.Inc()
	}

	r.logger.Info("Holds placed",
		zap.String("buyer_id", buyerID.String()),
		zap.Int("count", len(holds)),
		zap.Time("expires_at", holds[0].ExpiresAt))
	return holds, nil
}

func (r *Reservations) rollbackHolds(ctx context.Context, holds []models.Hold) {
	for _, h := range holds {
		if err := r.ledger.Release(ctx, h.ID, models.HoldStatusReleased); err != nil {
			r.logger.Error("Failed to roll back hold",
				zap.String("hold_id", h.ID.String()), zap.Error(err))
		}
	}
}

// GetHold retrieves a hold.
func (r *Reservations) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	return r.store.GetHold(ctx, holdID)
}

// ExpireStaleHolds releases every active hold past its TTL and returns how
// many were swept. Run periodically by the hold sweeper.
func (r *Reservations) ExpireStaleHolds(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "reservations.ExpireStaleHolds")
	defer span.End()

	stale, err := r.store.ListExpiredHolds(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, h := range stale {
		if err := r.ledger.Release(ctx, h.ID, models.HoldStatusExpired); err != nil {
			// a concurrent promote may have won the hold; skip it
			r.logger.Warn("Failed to expire hold",
				zap.String("hold_id", h.ID.String()), zap.Error(err))
			continue
		}
		swept++
		util.HoldsExpiredTotal.Inc()
	}
	return swept, nil
}

// Promote commits the given holds and mints one reserved ticket per held
// unit of quantity. The batch is atomic: a hold that cannot commit (expired,
// released, or foreign) reverses every commit already made in this call, and
// a mint failure cancels the tickets created so far before reversing.
func (r *Reservations) Promote(ctx context.Context, buyerID uuid.UUID, holdIDs []uuid.UUID) ([]models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "reservations.Promote")
	defer span.End()

	if len(holdIDs) == 0 {
		return nil, fmt.Errorf("no holds given")
	}

	now := time.Now().UTC()
	committed := make([]*models.Hold, 0, len(holdIDs))

	reverse := func() {
		for _, h := range committed {
			if err := r.ledger.ReverseCommit(ctx, h.ID); err != nil {
				r.logger.Error("Failed to reverse hold commit",
					zap.String("hold_id", h.ID.String()), zap.Error(err))
			}
		}
	}

	for _, id := range holdIDs {
		hold, err := r.store.GetHold(ctx, id)
		if err != nil {
			reverse()
			return nil, err
		}
		if hold.BuyerID != buyerID {
			reverse()
			return nil, models.ErrUnauthorized
		}

		promoted, err := r.ledger.Commit(ctx, id, now)
		if err != nil {
			reverse()
			return nil, fmt.Errorf("hold %s: %w", id, err)
		}
		committed = append(committed, promoted)
		util.HoldsPromotedTotal.Inc()
	}

	tickets := make([]models.Ticket, 0, len(committed))
	abort := func() {
		r.cancelTickets(ctx, tickets)
		reverse()
	}
	for _, hold := range committed {
		unit, err := r.ledger.GetUnit(ctx, hold.UnitID)
		if err != nil {
			abort()
			return nil, err
		}
		for i := 0; i < hold.Quantity; i++ {
			ticket := models.Ticket{
				ID:             uuid.New(),
				TicketNumber:   newTicketNumber(now),
				EventID:        unit.EventID,
				EventDate:      unit.EventDate,
				BuyerID:        buyerID,
				UnitID:         unit.ID,
				TicketType:     unit.TicketType,
				Section:        unit.Section,
				Row:            unit.Row,
				Seat:           unit.Seat,
				Zone:           unit.Zone,
				Price:          unit.Price,
				Currency:       unit.Currency,
				Status:         models.TicketStatusReserved,
				ValidationCode: newValidationCode(),
				RefundEligible: true,
			}
			if err := r.store.CreateTicket(ctx, &ticket); err != nil {
				abort()
				return nil, fmt.Errorf("failed to mint ticket: %w", err)
			}
			tickets = append(tickets, ticket)
		}
	}
	return tickets, nil
}

// cancelTickets unwinds tickets minted by a batch that did not fully promote.
func (r *Reservations) cancelTickets(ctx context.Context, tickets []models.Ticket) {
	for i := range tickets {
		t := &tickets[i]
		t.Status = models.TicketStatusCancelled
		if err := r.store.UpdateTicket(ctx, t); err != nil {
			r.logger.Error("Failed to cancel ticket from aborted promotion",
				zap.String("ticket_id", t.ID.String()), zap.Error(err))
		}
	}
}

// newTicketNumber renders TKT-YYMMDD-XXXXXXXX with a random suffix. Number
// collisions are as likely as a 4-byte random collision within one day.
func newTicketNumber(now time.Time) string {
	return fmt.Sprintf("TKT-%s-%s", now.Format("060102"), randomHex(4))
}

func newValidationCode() string {
	return randomHex(4)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process is in no state to sell tickets
		panic(err)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
