package service

import (
	"context"
	"encoding/json"
	"time"

	"ticketing-service/internal/broker"
	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tickets implements the post-sale ticket lifecycle: delivery, gate
// validation, and ownership transfer.
type Tickets struct {
	store  store.Store
	events *broker.EventPublisher
	logger *zap.Logger
}

// NewTickets creates the service. events may be nil.
func NewTickets(st store.Store, events *broker.EventPublisher) *Tickets {
	return &Tickets{store: st, events: events, logger: util.GetLogger()}
}

// Get retrieves a ticket by ID.
func (t *Tickets) Get(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	return t.store.GetTicket(ctx, id)
}

// GetByNumber retrieves a ticket by its printed number.
func (t *Tickets) GetByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	return t.store.GetTicketByNumber(ctx, number)
}

// ListByOrder retrieves the tickets of an order.
func (t *Tickets) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	return t.store.ListTicketsByOrder(ctx, orderID)
}

// MarkDelivered moves an order's paid tickets to delivered, generating entry
// codes for any ticket that does not have them yet.
func (t *Tickets) MarkDelivered(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "tickets.MarkDelivered")
	defer span.End()

	tickets, err := t.store.ListTicketsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	delivered := make([]models.Ticket, 0, len(tickets))
	for i := range tickets {
		ticket := &tickets[i]
		if ticket.Status != models.TicketStatusPaid {
			delivered = append(delivered, *ticket)
			continue
		}
		ticket.Status = models.TicketStatusDelivered
		ensureQRPayload(ticket)
		if err := t.store.UpdateTicket(ctx, ticket); err != nil {
			return nil, err
		}
		delivered = append(delivered, *ticket)
	}
	return delivered, nil
}

// EnsureQRPayload generates and persists the QR payload if the ticket does
// not carry one yet. Idempotent: an existing payload is never regenerated,
// so a code already in a buyer's wallet stays scannable.
func (t *Tickets) EnsureQRPayload(ctx context.Context, ticketID uuid.UUID) (*models.Ticket, error) {
	ticket, err := t.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.QRCode != "" {
		return ticket, nil
	}
	ensureQRPayload(ticket)
	if err := t.store.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

func ensureQRPayload(ticket *models.Ticket) {
	if ticket.QRCode != "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"ticket_number":   ticket.TicketNumber,
		"validation_code": ticket.ValidationCode,
		"event_id":        ticket.EventID.String(),
	})
	ticket.QRCode = string(payload)
}

// Validate redeems a ticket at the gate. Only a delivered ticket with the
// matching validation code passes; a ticket already used reports
// ErrAlreadyUsed so the gate can show "duplicate scan" rather than "fake".
// AccessCount moves exactly once per ticket lifetime.
func (t *Tickets) Validate(ctx context.Context, ticketNumber, validationCode string) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "tickets.Validate")
	defer span.End()

	ticket, err := t.store.GetTicketByNumber(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	if ticket.Status == models.TicketStatusUsed {
		return nil, models.ErrAlreadyUsed
	}
	if ticket.Status != models.TicketStatusDelivered || ticket.ValidationCode != validationCode {
		return nil, models.ErrTicketNotValid
	}

	now := time.Now().UTC()
	ticket.Status = models.TicketStatusUsed
	ticket.AccessCount++
	ticket.LastAccess = &now
	if err := t.store.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	util.TicketsValidatedTotal.Inc()
	t.events.TicketValidated(ctx, ticket)
	t.logger.Info("Ticket validated",
		zap.String("ticket_number", ticket.TicketNumber),
		zap.String("event_id", ticket.EventID.String()))
	return ticket, nil
}

// Transfer moves a ticket to a new owner. Only the current owner may
// transfer, only while the ticket still grants entry, and each change is
// appended to the ticket's transfer trail.
func (t *Tickets) Transfer(ctx context.Context, ticketID, fromBuyerID, toBuyerID uuid.UUID) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "tickets.Transfer")
	defer span.End()

	ticket, err := t.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.BuyerID != fromBuyerID {
		return nil, models.ErrUnauthorized
	}
	if !ticket.IsValid() {
		return nil, models.ErrNotTransferable
	}
	if time.Now().UTC().After(ticket.EventDate) {
		return nil, models.ErrNotTransferable
	}

	ticket.Transfers = append(ticket.Transfers, models.Transfer{
		FromBuyerID:   fromBuyerID,
		ToBuyerID:     toBuyerID,
		TransferredAt: time.Now().UTC(),
	})
	ticket.BuyerID = toBuyerID
	if err := t.store.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	t.logger.Info("Ticket transferred",
		zap.String("ticket_number", ticket.TicketNumber),
		zap.String("from", fromBuyerID.String()),
		zap.String("to", toBuyerID.String()))
	return ticket, nil
}
