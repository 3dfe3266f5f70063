package broker

import (
	"context"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher emits fire-and-forget notification events. Publish errors
// are logged and swallowed: notifications never gate an order transition.
// A nil *EventPublisher is valid and publishes nothing.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

// NewEventPublisher wraps a producer.
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

func (ep *EventPublisher) publish(ctx context.Context, key string, event *models.NotificationEvent) {
	if ep == nil || ep.producer == nil {
		return
	}
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	if err := ep.producer.PublishEvent(ctx, key, event); err != nil {
		ep.logger.Error("Failed to publish notification event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// OrderStatusChanged notifies about an order moving between statuses.
func (ep *EventPublisher) OrderStatusChanged(ctx context.Context, order *models.Order, oldStatus string) {
	ep.publish(ctx, "order-"+order.ID.String(), &models.NotificationEvent{
		EventType:   models.EventTypeOrderStatusChanged,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		OldStatus:   oldStatus,
		NewStatus:   order.Status,
	})
}

// RefundProcessed notifies that a refund landed on an order.
func (ep *EventPublisher) RefundProcessed(ctx context.Context, order *models.Order, amount int64, reason string) {
	ep.publish(ctx, "order-"+order.ID.String(), &models.NotificationEvent{
		EventType:   models.EventTypeRefundProcessed,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		NewStatus:   order.PaymentStatus,
		Data: map[string]interface{}{
			"amount": amount,
			"reason": reason,
		},
	})
}

// TicketValidated notifies that a ticket was scanned at the gate.
func (ep *EventPublisher) TicketValidated(ctx context.Context, ticket *models.Ticket) {
	ep.publish(ctx, "ticket-"+ticket.ID.String(), &models.NotificationEvent{
		EventType: models.EventTypeTicketValidated,
		NewStatus: ticket.Status,
		Data: map[string]interface{}{
			"ticket_number": ticket.TicketNumber,
			"event_id":      ticket.EventID.String(),
			"access_count":  ticket.AccessCount,
		},
	})
}
