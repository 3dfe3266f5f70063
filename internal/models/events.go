package models

import "time"

// Notification event types, consumed by the notification service.
// Delivery and retry are its responsibility; we publish fire-and-forget.
const (
	EventTypeOrderStatusChanged = "order.status_changed"
	EventTypeRefundProcessed    = "refund.processed"
	EventTypeTicketValidated    = "ticket.validated"
)

// NotificationEvent is the uniform payload for all notification topics.
type NotificationEvent struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	OrderID     string                 `json:"order_id,omitempty"`
	OrderNumber string                 `json:"order_number,omitempty"`
	OldStatus   string                 `json:"old_status,omitempty"`
	NewStatus   string                 `json:"new_status,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}
