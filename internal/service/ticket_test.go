package service

import (
	"context"
	"testing"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mintDeliveredTicket walks one ticket through hold -> order -> paid ->
// delivered so gate and transfer behavior can be exercised.
func mintDeliveredTicket(t *testing.T, env *orderEnv, buyer uuid.UUID) (*Tickets, models.Ticket) {
	t.Helper()
	ctx := context.Background()
	unit := env.addUnit(t, 10, 5000)

	order, _ := env.placeOrder(t, buyer, unit, 1)
	env.payOrder(t, buyer, order.ID)

	tickets := NewTickets(env.store, nil)
	delivered, err := tickets.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, models.TicketStatusDelivered, delivered[0].Status)
	return tickets, delivered[0]
}

func TestValidateTicketOnce(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	buyer := uuid.New()
	tickets, ticket := mintDeliveredTicket(t, env, buyer)
	ctx := context.Background()

	validated, err := tickets.Validate(ctx, ticket.TicketNumber, ticket.ValidationCode)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusUsed, validated.Status)
	assert.Equal(t, 1, validated.AccessCount)
	require.NotNil(t, validated.LastAccess)

	// a second scan reports the duplicate without moving the counter
	_, err = tickets.Validate(ctx, ticket.TicketNumber, ticket.ValidationCode)
	assert.ErrorIs(t, err, models.ErrAlreadyUsed)

	stored, err := tickets.GetByNumber(ctx, ticket.TicketNumber)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AccessCount)
}

func TestValidateRejectsWrongCode(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	buyer := uuid.New()
	tickets, ticket := mintDeliveredTicket(t, env, buyer)

	_, err := tickets.Validate(context.Background(), ticket.TicketNumber, "WRONG")
	assert.ErrorIs(t, err, models.ErrTicketNotValid)
}

func TestValidateRejectsUndeliveredTicket(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()

	order, minted := env.placeOrder(t, buyer, unit, 1)
	_ = order

	tickets := NewTickets(env.store, nil)
	_, err := tickets.Validate(context.Background(), minted[0].TicketNumber, minted[0].ValidationCode)
	assert.ErrorIs(t, err, models.ErrTicketNotValid)
}

func TestTransferTicket(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	buyer := uuid.New()
	newOwner := uuid.New()
	tickets, ticket := mintDeliveredTicket(t, env, buyer)
	ctx := context.Background()

	transferred, err := tickets.Transfer(ctx, ticket.ID, buyer, newOwner)
	require.NoError(t, err)
	assert.Equal(t, newOwner, transferred.BuyerID)
	require.Len(t, transferred.Transfers, 1)
	assert.Equal(t, buyer, transferred.Transfers[0].FromBuyerID)
	assert.Equal(t, newOwner, transferred.Transfers[0].ToBuyerID)

	// the old owner lost the right to transfer
	_, err = tickets.Transfer(ctx, ticket.ID, buyer, uuid.New())
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestTransferRejectsUsedTicket(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	buyer := uuid.New()
	tickets, ticket := mintDeliveredTicket(t, env, buyer)
	ctx := context.Background()

	_, err := tickets.Validate(ctx, ticket.TicketNumber, ticket.ValidationCode)
	require.NoError(t, err)

	_, err = tickets.Transfer(ctx, ticket.ID, buyer, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotTransferable)
}

func TestEnsureQRPayloadIdempotent(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	buyer := uuid.New()
	tickets, ticket := mintDeliveredTicket(t, env, buyer)
	ctx := context.Background()

	first, err := tickets.EnsureQRPayload(ctx, ticket.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.QRCode)

	second, err := tickets.EnsureQRPayload(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, first.QRCode, second.QRCode)
}

func TestMarkDeliveredSkipsUnpaidTickets(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	tickets := NewTickets(env.store, nil)
	delivered, err := tickets.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, models.TicketStatusConfirmed, delivered[0].Status)
}
