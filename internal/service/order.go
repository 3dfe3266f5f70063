package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticketing-service/internal/broker"
	"ticketing-service/internal/models"
	"ticketing-service/internal/payment"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrdersConfig carries the purchase-flow policy knobs.
type OrdersConfig struct {
	TaxRateBPS              int
	RefundDeadlineHours     int
	RefundFee               int64
	RefundReleasesInventory bool
}

// Orders orchestrates the purchase flow end to end: promoting holds into an
// order, dispatching payments, confirming them idempotently, and refunding.
// Mutating operations on one order serialize on a per-order mutex so a
// confirmation racing a refund cannot interleave reads and writes.
type Orders struct {
	store        store.Store
	reservations *Reservations
	ledger       *Ledger
	gateway      *payment.Gateway
	events       *broker.EventPublisher
	cfg          OrdersConfig
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*orderLock
}

// orderLock is reference-counted so its map entry can be dropped once the
// last holder releases it.
type orderLock struct {
	sync.Mutex
	refs int
}

// NewOrders wires the orchestrator.
func NewOrders(st store.Store, reservations *Reservations, ledger *Ledger,
	gateway *payment.Gateway, events *broker.EventPublisher, cfg OrdersConfig) *Orders {
	return &Orders{
		store:        st,
		reservations: reservations,
		ledger:       ledger,
		gateway:      gateway,
		events:       events,
		cfg:          cfg,
		logger:       util.GetLogger(),
		locks:        make(map[uuid.UUID]*orderLock),
	}
}

// lockOrder serializes mutations per order ID. The map entry is removed when
// the last holder unlocks, so the registry only holds in-flight orders.
func (o *Orders) lockOrder(orderID uuid.UUID) func() {
	o.mu.Lock()
	lock, ok := o.locks[orderID]
	if !ok {
		lock = &orderLock{}
		o.locks[orderID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		o.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(o.locks, orderID)
		}
		o.mu.Unlock()
	}
}

// CreateOrder promotes the buyer's holds into sold inventory, mints the
// tickets, and records the order with price snapshots taken now. On any
// failure the promotion is compensated and no order exists.
func (o *Orders) CreateOrder(ctx context.Context, buyerID uuid.UUID, holdIDs []uuid.UUID) (*models.Order, []models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "orders.CreateOrder")
	defer span.End()

	tickets, err := o.reservations.Promote(ctx, buyerID, holdIDs)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("promote").Inc()
		return nil, nil, err
	}

	now := time.Now().UTC()
	orderNumber, err := o.store.NextOrderNumber(ctx, now)
	if err != nil {
		o.compensateTickets(ctx, holdIDs, tickets)
		util.OrdersFailedTotal.WithLabelValues("order_number").Inc()
		return nil, nil, err
	}

	var subtotal int64
	items := make(models.OrderItems, 0, len(tickets))
	for _, t := range tickets {
		subtotal += t.Price
		items = append(items, models.OrderItem{
			TicketID:    t.ID,
			Description: t.SeatLabel(),
			Quantity:    1,
			UnitPrice:   t.Price,
			Total:       t.Price,
		})
	}
	tax := subtotal * int64(o.cfg.TaxRateBPS) / 10000

	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   orderNumber,
		BuyerID:       buyerID,
		Items:         items,
		Subtotal:      subtotal,
		Tax:           tax,
		Total:         subtotal + tax,
		Currency:      tickets[0].Currency,
		PaymentStatus: models.PaymentStatusPending,
	}
	order.AddStatusHistory(models.OrderStatusPending, "order created", &buyerID)

	if err := o.store.CreateOrder(ctx, order); err != nil {
		o.compensateTickets(ctx, holdIDs, tickets)
		util.OrdersFailedTotal.WithLabelValues("store").Inc()
		return nil, nil, err
	}

	for i := range tickets {
		t := &tickets[i]
		t.OrderID = &order.ID
		t.Status = models.TicketStatusConfirmed
		if err := o.store.UpdateTicket(ctx, t); err != nil {
			o.logger.Error("Failed to attach ticket to order",
				zap.String("ticket_id", t.ID.String()), zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	o.events.OrderStatusChanged(ctx, order, "")
	o.logger.Info("Order created",
		zap.String("order_number", order.OrderNumber),
		zap.String("buyer_id", buyerID.String()),
		zap.Int64("total", order.Total))
	return order, tickets, nil
}

// compensateTickets unwinds a promotion whose order could not be recorded.
func (o *Orders) compensateTickets(ctx context.Context, holdIDs []uuid.UUID, tickets []models.Ticket) {
	for i := range tickets {
		t := &tickets[i]
		t.Status = models.TicketStatusCancelled
		if err := o.store.UpdateTicket(ctx, t); err != nil {
			o.logger.Error("Failed to cancel minted ticket",
				zap.String("ticket_id", t.ID.String()), zap.Error(err))
		}
	}
	for _, id := range holdIDs {
		if err := o.ledger.ReverseCommit(ctx, id); err != nil {
			o.logger.Error("Failed to reverse promoted hold",
				zap.String("hold_id", id.String()), zap.Error(err))
		}
	}
}

// Get retrieves an order, restricted to its buyer.
func (o *Orders) Get(ctx context.Context, orderID, buyerID uuid.UUID) (*models.Order, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, models.ErrUnauthorized
	}
	return order, nil
}

// AvailableMethods lists the payment methods usable in the given region.
func (o *Orders) AvailableMethods(region string) []string {
	return o.gateway.AvailableMethods(region)
}

// InitiatePayment dispatches a pending order to the chosen provider. The
// provider reference and the payment attempt are persisted before this
// returns, so a crash between dispatch and confirmation is recoverable by
// the reconciler.
func (o *Orders) InitiatePayment(ctx context.Context, orderID, buyerID uuid.UUID, method string) (*payment.CreateResult, error) {
	ctx, span := util.StartSpan(ctx, "orders.InitiatePayment")
	defer span.End()

	unlock := o.lockOrder(orderID)
	defer unlock()

	order, err := o.Get(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending || order.PaymentStatus == models.PaymentStatusCompleted {
		return nil, models.ErrOrderNotPending
	}

	util.PaymentAttemptsTotal.WithLabelValues(method).Inc()
	res, err := o.gateway.CreatePayment(ctx, method, payment.OrderSnapshot{
		OrderNumber: order.OrderNumber,
		Amount:      order.Total,
		Currency:    order.Currency,
		Description: fmt.Sprintf("Order %s", order.OrderNumber),
	})
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(method, "create").Inc()
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		ID:         uuid.New(),
		OrderID:    order.ID,
		Method:     method,
		ExternalID: res.PaymentID,
		Status:     models.PaymentStatusProcessing,
		Amount:     order.Total,
		Currency:   order.Currency,
	}

	if res.Status == payment.StatusDeclined {
		// order stays pending so the buyer can retry with another method
		attempt.Status = models.PaymentStatusFailed
		if err := o.store.CreatePaymentAttempt(ctx, attempt); err != nil {
			o.logger.Error("Failed to record declined attempt", zap.Error(err))
		}
		util.PaymentFailedTotal.WithLabelValues(method, "declined").Inc()
		return nil, models.ErrPaymentDeclined
	}

	if err := o.store.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	order.SetPaymentRef(models.PaymentReference{Method: method, ExternalID: res.PaymentID})
	order.PaymentStatus = models.PaymentStatusProcessing
	if err := o.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	o.logger.Info("Payment initiated",
		zap.String("order_number", order.OrderNumber),
		zap.String("method", method),
		zap.String("payment_id", res.PaymentID))
	return res, nil
}

// ConfirmPayment polls/captures the provider transaction and, on success,
// completes the order exactly once: the new order state is computed in
// memory and written in a single update, and the (order, payment) pair is
// recorded so replays and concurrent confirmations are no-ops.
func (o *Orders) ConfirmPayment(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "orders.ConfirmPayment")
	defer span.End()

	unlock := o.lockOrder(orderID)
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ref := order.PaymentRef()
	if ref.Method == "" || ref.ExternalID == "" {
		return nil, fmt.Errorf("order %s has no payment to confirm", order.OrderNumber)
	}

	confirmKey := order.ID.String() + ":" + ref.ExternalID
	done, err := o.store.IsConfirmationProcessed(ctx, confirmKey)
	if err != nil {
		return nil, err
	}
	if done {
		return order, nil
	}

	res, err := o.gateway.ConfirmPayment(ctx, ref.Method, ref.ExternalID)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(ref.Method, "confirm").Inc()
		return nil, err
	}

	switch res.Status {
	case payment.StatusCompleted:
		return o.completeOrder(ctx, order, confirmKey, res.TransactionID)

	case payment.StatusDeclined:
		order.PaymentStatus = models.PaymentStatusFailed
		o.syncAttempt(ctx, order, models.PaymentStatusFailed)
		if err := o.store.UpdateOrder(ctx, order); err != nil {
			return nil, err
		}
		util.PaymentFailedTotal.WithLabelValues(ref.Method, "declined").Inc()
		return nil, models.ErrPaymentDeclined

	default:
		// still pending at the provider; the reconciler will retry
		o.syncAttempt(ctx, order, models.PaymentStatusProcessing)
		return order, nil
	}
}

// completeOrder computes the confirmed order, its paid tickets, the attempt
// transition, and the idempotency record in memory, then lands them in one
// store write. A crash can therefore never leave the side effects applied
// without the confirmation marked, or vice versa.
func (o *Orders) completeOrder(ctx context.Context, order *models.Order, confirmKey, transactionID string) (*models.Order, error) {
	oldStatus := order.Status
	order.PaymentStatus = models.PaymentStatusCompleted
	order.AddStatusHistory(models.OrderStatusConfirmed,
		fmt.Sprintf("payment captured (%s)", transactionID), nil)

	tickets, err := o.store.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	paid := make([]models.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.Status != models.TicketStatusConfirmed {
			continue
		}
		t.Status = models.TicketStatusPaid
		paid = append(paid, t)
	}

	attempt, err := o.store.LatestPaymentAttempt(ctx, order.ID)
	if err != nil {
		o.logger.Warn("No payment attempt to complete",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		attempt = nil
	} else {
		attempt.Status = models.PaymentStatusCompleted
	}

	if err := o.store.CompleteOrder(ctx, order, paid, attempt, confirmKey); err != nil {
		return nil, err
	}

	util.PaymentSuccessTotal.WithLabelValues(order.PaymentMethod).Inc()
	o.events.OrderStatusChanged(ctx, order, oldStatus)
	o.logger.Info("Order confirmed",
		zap.String("order_number", order.OrderNumber),
		zap.String("transaction_id", transactionID))
	return order, nil
}

func (o *Orders) syncAttempt(ctx context.Context, order *models.Order, status string) {
	attempt, err := o.store.LatestPaymentAttempt(ctx, order.ID)
	if err != nil {
		o.logger.Warn("No payment attempt to sync",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	attempt.Status = status
	if err := o.store.UpdatePaymentAttempt(ctx, attempt); err != nil {
		o.logger.Warn("Failed to sync payment attempt", zap.Error(err))
	}
}

// Refund refunds part or all of a completed order. The amount is bounded by
// total minus what was already refunded; a full refund cancels the order's
// unused tickets and, when configured, returns their inventory to the pool.
func (o *Orders) Refund(ctx context.Context, orderID, actorID uuid.UUID, amount int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "orders.Refund")
	defer span.End()

	unlock := o.lockOrder(orderID)
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != models.PaymentStatusCompleted &&
		order.PaymentStatus != models.PaymentStatusPartiallyRefunded {
		return nil, models.ErrNotRefundEligible
	}
	if amount <= 0 || amount > order.RefundableAmount() {
		return nil, models.ErrRefundExceedsAvailable
	}
	if err := o.checkRefundEligibility(ctx, order); err != nil {
		return nil, err
	}

	ref := order.PaymentRef()
	dispatch := amount - o.cfg.RefundFee
	if dispatch < 0 {
		dispatch = 0
	}
	res, err := o.gateway.RefundPayment(ctx, ref.Method, ref.ExternalID, dispatch, order.Currency)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order.Refunds = append(order.Refunds, models.Refund{
		Amount:           amount,
		Reason:           reason,
		ProviderRefundID: res.RefundID,
		ProcessedAt:      now,
		ProcessedBy:      actorID,
	})

	oldStatus := order.Status
	full := order.TotalRefunded() >= order.Total
	if full {
		order.PaymentStatus = models.PaymentStatusRefunded
		order.AddStatusHistory(models.OrderStatusRefunded, reason, &actorID)
	} else {
		order.PaymentStatus = models.PaymentStatusPartiallyRefunded
	}
	if err := o.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	if full {
		o.refundTickets(ctx, order, now)
	}

	util.RefundsProcessedTotal.Inc()
	o.events.RefundProcessed(ctx, order, amount, reason)
	if full {
		o.events.OrderStatusChanged(ctx, order, oldStatus)
	}
	o.logger.Info("Refund processed",
		zap.String("order_number", order.OrderNumber),
		zap.Int64("amount", amount),
		zap.Bool("full", full))
	return order, nil
}

// checkRefundEligibility rejects a refund when any covered ticket was flagged
// non-refundable, or when the request lands inside the event-date deadline.
func (o *Orders) checkRefundEligibility(ctx context.Context, order *models.Order) error {
	tickets, err := o.store.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	deadline := time.Duration(o.cfg.RefundDeadlineHours) * time.Hour
	now := time.Now().UTC()
	for _, t := range tickets {
		if !t.RefundEligible {
			return models.ErrNotRefundEligible
		}
		if o.cfg.RefundDeadlineHours > 0 && now.After(t.EventDate.Add(-deadline)) {
			return models.ErrNotRefundEligible
		}
	}
	return nil
}

// refundTickets marks an order's unused tickets refunded and optionally
// returns their inventory. Used tickets stay used.
func (o *Orders) refundTickets(ctx context.Context, order *models.Order, now time.Time) {
	tickets, err := o.store.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		o.logger.Error("Failed to load tickets for refund", zap.Error(err))
		return
	}
	for i := range tickets {
		t := &tickets[i]
		if t.Status == models.TicketStatusUsed || t.Status == models.TicketStatusRefunded {
			continue
		}
		t.Status = models.TicketStatusRefunded
		t.RefundProcessedAt = &now
		t.RefundAmount = t.Price
		if err := o.store.UpdateTicket(ctx, t); err != nil {
			o.logger.Error("Failed to mark ticket refunded",
				zap.String("ticket_id", t.ID.String()), zap.Error(err))
			continue
		}
		if o.cfg.RefundReleasesInventory {
			if err := o.ledger.ReleaseSold(ctx, t.UnitID, 1); err != nil {
				o.logger.Error("Failed to release refunded inventory",
					zap.String("unit_id", t.UnitID.String()), zap.Error(err))
			}
		}
	}
}

// ReconcileStalePayments re-confirms orders whose payment attempts have sat
// in pending or processing past the staleness cutoff. Run by the payment
// reconciler worker.
func (o *Orders) ReconcileStalePayments(ctx context.Context, olderThan time.Time) (int, error) {
	attempts, err := o.store.ListStalePaymentAttempts(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, a := range attempts {
		if _, err := o.ConfirmPayment(ctx, a.OrderID); err != nil {
			if errors.Is(err, models.ErrPaymentDeclined) {
				reconciled++
				continue
			}
			o.logger.Warn("Reconcile failed for order",
				zap.String("order_id", a.OrderID.String()), zap.Error(err))
			continue
		}
		reconciled++
	}
	return reconciled, nil
}
