package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts provider behavior for orchestration tests.
type fakeProvider struct {
	name          string
	currency      string
	createStatus  payment.Status
	confirmStatus payment.Status
	createErr     error
	confirmErr    error

	createCalls  int
	confirmCalls int
	refundCalls  int
	lastAmount   int64
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) SettlementCurrency() string { return f.currency }

func (f *fakeProvider) CreatePayment(_ context.Context, snap payment.OrderSnapshot) (*payment.CreateResult, error) {
	f.createCalls++
	f.lastAmount = snap.Amount
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &payment.CreateResult{PaymentID: fmt.Sprintf("pay-%d", f.createCalls), Status: f.createStatus}, nil
}

func (f *fakeProvider) ConfirmPayment(_ context.Context, paymentID string) (*payment.ConfirmResult, error) {
	f.confirmCalls++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &payment.ConfirmResult{Status: f.confirmStatus, TransactionID: "txn-" + paymentID}, nil
}

func (f *fakeProvider) RefundPayment(_ context.Context, _ string, amount int64) (*payment.RefundResult, error) {
	f.refundCalls++
	f.lastAmount = amount
	return &payment.RefundResult{RefundID: "ref-1", Status: payment.StatusRefunded}, nil
}

type orderEnv struct {
	*testEnv
	provider *fakeProvider
	orders   *Orders
}

func newOrderEnv(t *testing.T, cfg OrdersConfig) *orderEnv {
	t.Helper()
	env := newTestEnv(t, time.Minute)
	provider := &fakeProvider{
		name:          "mercadopago",
		createStatus:  payment.StatusPending,
		confirmStatus: payment.StatusCompleted,
	}
	gateway := payment.NewGateway(payment.NewStaticConverter(), provider)
	orders := NewOrders(env.store, env.reservations, env.ledger, gateway, nil, cfg)
	return &orderEnv{testEnv: env, provider: provider, orders: orders}
}

// placeOrder runs hold -> order for one buyer and quantity.
func (e *orderEnv) placeOrder(t *testing.T, buyer uuid.UUID, unit *models.InventoryUnit, qty int) (*models.Order, []models.Ticket) {
	t.Helper()
	ctx := context.Background()
	holds, err := e.reservations.HoldSeats(ctx, buyer, []HoldRequest{
		{UnitID: unit.ID, Quantity: qty},
	})
	require.NoError(t, err)

	order, tickets, err := e.orders.CreateOrder(ctx, buyer, []uuid.UUID{holds[0].ID})
	require.NoError(t, err)
	return order, tickets
}

// payOrder runs initiate -> confirm with the scripted provider.
func (e *orderEnv) payOrder(t *testing.T, buyer uuid.UUID, orderID uuid.UUID) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := e.orders.InitiatePayment(ctx, orderID, buyer, "mercadopago")
	require.NoError(t, err)
	order, err := e.orders.ConfirmPayment(ctx, orderID)
	require.NoError(t, err)
	return order
}

func TestCreateOrderTotals(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{TaxRateBPS: 1600})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()

	order, tickets := env.placeOrder(t, buyer, unit, 2)

	assert.Equal(t, int64(10000), order.Subtotal)
	assert.Equal(t, int64(1600), order.Tax) // 16% of subtotal
	assert.Equal(t, int64(11600), order.Total)
	assert.Equal(t, "MXN", order.Currency)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(5000), order.Items[0].UnitPrice)

	require.Len(t, tickets, 2)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketStatusConfirmed, ticket.Status)
		require.NotNil(t, ticket.OrderID)
		assert.Equal(t, order.ID, *ticket.OrderID)
	}
}

func TestOrderNumberSequencePerDay(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()

	first, _ := env.placeOrder(t, buyer, unit, 1)
	second, _ := env.placeOrder(t, buyer, unit, 1)

	day := time.Now().UTC().Format("060102")
	assert.Equal(t, day+"0001", first.OrderNumber)
	assert.Equal(t, day+"0002", second.OrderNumber)
}

func TestInitiatePaymentPersistsReference(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	res, err := env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", res.PaymentID)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "mercadopago", stored.PaymentMethod)
	assert.Equal(t, "pay-1", stored.PaymentExternalID)
	assert.Equal(t, models.PaymentStatusProcessing, stored.PaymentStatus)

	attempt, err := env.store.LatestPaymentAttempt(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", attempt.ExternalID)
	assert.Equal(t, order.Total, attempt.Amount)
}

func TestInitiatePaymentUnknownMethod(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	_, err := env.orders.InitiatePayment(context.Background(), order.ID, buyer, "stripe")
	assert.ErrorIs(t, err, models.ErrUnknownPaymentMethod)
}

func TestInitiatePaymentDeclinedLeavesOrderRetryable(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	env.provider.createStatus = payment.StatusDeclined
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	_, err := env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	assert.ErrorIs(t, err, models.ErrPaymentDeclined)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, models.PaymentStatusPending, stored.PaymentStatus)

	// a second attempt with a working method goes through
	env.provider.createStatus = payment.StatusPending
	_, err = env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	require.NoError(t, err)
}

func TestConfirmPaymentCompletesOrderOnce(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 2)
	confirmed := env.payOrder(t, buyer, order.ID)

	assert.Equal(t, models.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, models.PaymentStatusCompleted, confirmed.PaymentStatus)

	tickets, err := env.store.ListTicketsByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketStatusPaid, ticket.Status)
	}

	// the attempt and the idempotency record land with the same write
	attempt, err := env.store.LatestPaymentAttempt(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, attempt.Status)
	done, err := env.store.IsConfirmationProcessed(ctx, order.ID.String()+":"+attempt.ExternalID)
	require.NoError(t, err)
	assert.True(t, done)

	// replaying the confirmation must not touch the provider or the history
	again, err := env.orders.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.confirmCalls)

	entries := 0
	for _, change := range again.StatusHistory {
		if change.Status == models.OrderStatusConfirmed {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestRefundBoundedByRemainder(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{RefundReleasesInventory: true})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 2)
	env.payOrder(t, buyer, order.ID)

	// partial refund
	updated, err := env.orders.Refund(ctx, order.ID, buyer, 4000, "seat change")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, updated.PaymentStatus)
	assert.Equal(t, int64(4000), updated.TotalRefunded())

	// exceeding the remainder must fail
	_, err = env.orders.Refund(ctx, order.ID, buyer, updated.RefundableAmount()+1, "too much")
	assert.ErrorIs(t, err, models.ErrRefundExceedsAvailable)

	// refunding exactly the remainder completes the refund
	final, err := env.orders.Refund(ctx, order.ID, buyer, updated.RefundableAmount(), "full")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, final.PaymentStatus)
	assert.Equal(t, models.OrderStatusRefunded, final.Status)
	assert.Equal(t, int64(0), final.RefundableAmount())

	// further refunds are rejected outright
	_, err = env.orders.Refund(ctx, order.ID, buyer, 1, "again")
	require.Error(t, err)
}

func TestFullRefundReleasesInventory(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{RefundReleasesInventory: true})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 2)
	env.payOrder(t, buyer, order.ID)

	got, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Sold)

	_, err = env.orders.Refund(ctx, order.ID, buyer, order.Total, "cancelled plans")
	require.NoError(t, err)

	got, err = env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Sold)

	tickets, err := env.store.ListTicketsByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketStatusRefunded, ticket.Status)
	}
}

func TestRefundRejectedPastDeadline(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{RefundDeadlineHours: 48})
	unit := &models.InventoryUnit{
		EventID:    uuid.New(),
		EventDate:  time.Now().UTC().Add(24 * time.Hour), // inside the 48h window
		TicketType: "general",
		Capacity:   10,
		Price:      5000,
		Currency:   "MXN",
		Active:     true,
	}
	require.NoError(t, env.ledger.CreateUnit(context.Background(), unit))
	buyer := uuid.New()

	order, _ := env.placeOrder(t, buyer, unit, 1)
	env.payOrder(t, buyer, order.ID)

	_, err := env.orders.Refund(context.Background(), order.ID, buyer, order.Total, "late")
	assert.ErrorIs(t, err, models.ErrNotRefundEligible)
}

func TestRefundRejectedForIneligibleTicket(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)
	env.payOrder(t, buyer, order.ID)

	// an operator flags the ticket non-refundable after the sale
	tickets, err := env.store.ListTicketsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	tickets[0].RefundEligible = false
	require.NoError(t, env.store.UpdateTicket(ctx, &tickets[0]))

	_, err = env.orders.Refund(ctx, order.ID, buyer, order.Total, "ineligible")
	assert.ErrorIs(t, err, models.ErrNotRefundEligible)
	assert.Equal(t, 0, env.provider.refundCalls)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Empty(t, stored.Refunds)
}

func TestOrderPriceSnapshotImmutable(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, tickets := env.placeOrder(t, buyer, unit, 1)

	// reprice the catalog after the sale
	require.NoError(t, env.ledger.UpdatePrice(ctx, unit.ID, 9999))

	repriced, err := env.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, int64(9999), repriced.Price)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), stored.Items[0].UnitPrice)
	assert.Equal(t, int64(5000), stored.Subtotal)

	ticket, err := env.store.GetTicket(ctx, tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ticket.Price)
}

func TestInitiatePaymentProviderOutageChangesNothing(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	env.provider.createErr = models.ErrProviderUnavailable
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	_, err := env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, models.PaymentStatusPending, stored.PaymentStatus)
	assert.Empty(t, stored.PaymentMethod)

	_, err = env.store.LatestPaymentAttempt(ctx, order.ID)
	assert.Error(t, err)

	// the outage over, the same order goes through
	env.provider.createErr = nil
	_, err = env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	require.NoError(t, err)
}

func TestConfirmPaymentProviderOutageChangesNothing(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)
	_, err := env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	require.NoError(t, err)

	env.provider.confirmErr = models.ErrProviderUnavailable
	_, err = env.orders.ConfirmPayment(ctx, order.ID)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, models.PaymentStatusProcessing, stored.PaymentStatus)

	done, err := env.store.IsConfirmationProcessed(ctx, order.ID.String()+":"+stored.PaymentExternalID)
	require.NoError(t, err)
	assert.False(t, done)

	env.provider.confirmErr = nil
	confirmed, err := env.orders.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, confirmed.PaymentStatus)
}

func TestOrderLockRegistryShrinks(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})

	unlock := env.orders.lockOrder(uuid.New())
	unlock()

	env.orders.mu.Lock()
	defer env.orders.mu.Unlock()
	assert.Empty(t, env.orders.locks)
}

func TestRefundBeforePaymentRejected(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()

	order, _ := env.placeOrder(t, buyer, unit, 1)

	_, err := env.orders.Refund(context.Background(), order.ID, buyer, 100, "nope")
	assert.ErrorIs(t, err, models.ErrNotRefundEligible)
}

func TestReconcileStalePayments(t *testing.T) {
	env := newOrderEnv(t, OrdersConfig{})
	unit := env.addUnit(t, 10, 5000)
	buyer := uuid.New()
	ctx := context.Background()

	order, _ := env.placeOrder(t, buyer, unit, 1)
	_, err := env.orders.InitiatePayment(ctx, order.ID, buyer, "mercadopago")
	require.NoError(t, err)

	// the client never confirmed; the reconciler picks the attempt up
	reconciled, err := env.orders.ReconcileStalePayments(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)

	stored, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
}
