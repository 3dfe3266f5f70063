package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InventoryUnit is the smallest sellable entity of an event: either a
// ticket type (general admission pool) or a specific seat. Counts are only
// mutated through the ledger's critical section.
type InventoryUnit struct {
	ID         uuid.UUID `db:"id" json:"id"`
	EventID    uuid.UUID `db:"event_id" json:"event_id"`
	EventDate  time.Time `db:"event_date" json:"event_date"`
	TicketType string    `db:"ticket_type" json:"ticket_type,omitempty"`
	Section    string    `db:"section" json:"section,omitempty"`
	Row        string    `db:"row" json:"row,omitempty"`
	Seat       string    `db:"seat" json:"seat,omitempty"`
	Zone       string    `db:"zone" json:"zone,omitempty"`
	Capacity   int       `db:"capacity" json:"capacity"`
	Sold       int       `db:"sold" json:"sold"`
	Held       int       `db:"held" json:"held"`
	Price      int64     `db:"price" json:"price"`
	Currency   string    `db:"currency" json:"currency"`
	Active     bool      `db:"active" json:"active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the number of units still open for a new hold.
func (u *InventoryUnit) Available() int {
	return u.Capacity - u.Sold - u.Held
}

// SeatLabel renders a human-readable identity for order items and tickets.
func (u *InventoryUnit) SeatLabel() string {
	if u.Section != "" {
		return fmt.Sprintf("%s-%s-%s", u.Section, u.Row, u.Seat)
	}
	return u.TicketType
}

// Hold statuses
const (
	HoldStatusActive   = "active"
	HoldStatusPromoted = "promoted"
	HoldStatusExpired  = "expired"
	HoldStatusReleased = "released"
)

// Hold is a time-limited claim on an inventory unit preventing double-sale
// during checkout. Holds self-expire via TTL; there is no client cancel.
type Hold struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UnitID    uuid.UUID `db:"unit_id" json:"unit_id"`
	BuyerID   uuid.UUID `db:"buyer_id" json:"buyer_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the hold's TTL has lapsed at the given instant.
// ExpiresAt is the single source of truth for the promote/sweep race.
func (h *Hold) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// Ticket statuses
const (
	TicketStatusReserved  = "reserved"
	TicketStatusConfirmed = "confirmed"
	TicketStatusPaid      = "paid"
	TicketStatusDelivered = "delivered"
	TicketStatusUsed      = "used"
	TicketStatusCancelled = "cancelled"
	TicketStatusRefunded  = "refunded"
)

// Transfer records one ownership change of a ticket. The list is append-only.
type Transfer struct {
	FromBuyerID   uuid.UUID `json:"from_buyer_id"`
	ToBuyerID     uuid.UUID `json:"to_buyer_id"`
	TransferredAt time.Time `json:"transferred_at"`
	Fee           int64     `json:"fee"`
}

// Transfers is stored as a JSONB column.
type Transfers []Transfer

func (t Transfers) Value() (driver.Value, error) { return json.Marshal(t) }

func (t *Transfers) Scan(src interface{}) error { return scanJSON(src, t) }

// Ticket is the durable record minted when a hold is promoted. Price and seat
// fields are snapshots; later catalog changes never touch them.
type Ticket struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TicketNumber string     `db:"ticket_number" json:"ticket_number"`
	EventID      uuid.UUID  `db:"event_id" json:"event_id"`
	EventDate    time.Time  `db:"event_date" json:"event_date"`
	BuyerID      uuid.UUID  `db:"buyer_id" json:"buyer_id"`
	OrderID      *uuid.UUID `db:"order_id" json:"order_id,omitempty"`
	UnitID       uuid.UUID  `db:"unit_id" json:"unit_id"`
	TicketType   string     `db:"ticket_type" json:"ticket_type,omitempty"`
	Section      string     `db:"section" json:"section,omitempty"`
	Row          string     `db:"row" json:"row,omitempty"`
	Seat         string     `db:"seat" json:"seat,omitempty"`
	Zone         string     `db:"zone" json:"zone,omitempty"`
	Price        int64      `db:"price" json:"price"`
	Currency     string     `db:"currency" json:"currency"`
	Fees         int64      `db:"fees" json:"fees"`
	Taxes        int64      `db:"taxes" json:"taxes"`
	Status       string     `db:"status" json:"status"`

	QRCode         string `db:"qr_code" json:"qr_code,omitempty"`
	ValidationCode string `db:"validation_code" json:"validation_code,omitempty"`

	RefundEligible    bool       `db:"refund_eligible" json:"refund_eligible"`
	RefundRequestedAt *time.Time `db:"refund_requested_at" json:"refund_requested_at,omitempty"`
	RefundProcessedAt *time.Time `db:"refund_processed_at" json:"refund_processed_at,omitempty"`
	RefundAmount      int64      `db:"refund_amount" json:"refund_amount,omitempty"`

	Transfers   Transfers  `db:"transfers" json:"transfers,omitempty"`
	AccessCount int        `db:"access_count" json:"access_count"`
	LastAccess  *time.Time `db:"last_access" json:"last_access,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsValid reports whether the ticket grants entry and may be transferred.
func (t *Ticket) IsValid() bool {
	switch t.Status {
	case TicketStatusConfirmed, TicketStatusPaid, TicketStatusDelivered:
		return true
	}
	return false
}

// SeatLabel mirrors InventoryUnit.SeatLabel on the snapshot.
func (t *Ticket) SeatLabel() string {
	if t.Section != "" {
		return fmt.Sprintf("%s-%s-%s", t.Section, t.Row, t.Seat)
	}
	return t.TicketType
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
	OrderStatusReturned   = "returned"
)

// Payment statuses on an order
const (
	PaymentStatusPending           = "pending"
	PaymentStatusProcessing        = "processing"
	PaymentStatusCompleted         = "completed"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// OrderItem is a price snapshot taken at purchase time.
type OrderItem struct {
	TicketID    uuid.UUID `json:"ticket_id"`
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	UnitPrice   int64     `json:"unit_price"`
	Total       int64     `json:"total"`
}

type OrderItems []OrderItem

func (i OrderItems) Value() (driver.Value, error) { return json.Marshal(i) }

func (i *OrderItems) Scan(src interface{}) error { return scanJSON(src, i) }

// StatusChange is one entry of the append-only order audit trail.
type StatusChange struct {
	Status    string     `json:"status"`
	Note      string     `json:"note,omitempty"`
	Actor     *uuid.UUID `json:"actor,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type StatusHistory []StatusChange

func (h StatusHistory) Value() (driver.Value, error) { return json.Marshal(h) }

func (h *StatusHistory) Scan(src interface{}) error { return scanJSON(src, h) }

// Refund is one processed refund against an order. Append-only.
type Refund struct {
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason,omitempty"`
	ProviderRefundID string    `json:"provider_refund_id,omitempty"`
	ProcessedAt      time.Time `json:"processed_at"`
	ProcessedBy      uuid.UUID `json:"processed_by"`
}

type Refunds []Refund

func (r Refunds) Value() (driver.Value, error) { return json.Marshal(r) }

func (r *Refunds) Scan(src interface{}) error { return scanJSON(src, r) }

// PaymentReference identifies the provider transaction an order was paid
// with. One field for every provider; the method selects the adapter.
type PaymentReference struct {
	Method     string `json:"method,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Order is the buyer-facing aggregate over one or more tickets.
type Order struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OrderNumber string    `db:"order_number" json:"order_number"`
	BuyerID     uuid.UUID `db:"buyer_id" json:"buyer_id"`

	Items    OrderItems `db:"items" json:"items"`
	Subtotal int64      `db:"subtotal" json:"subtotal"`
	Tax      int64      `db:"tax" json:"tax"`
	Discount int64      `db:"discount" json:"discount"`
	Total    int64      `db:"total" json:"total"`
	Currency string     `db:"currency" json:"currency"`

	PaymentMethod     string `db:"payment_method" json:"payment_method,omitempty"`
	PaymentExternalID string `db:"payment_external_id" json:"payment_external_id,omitempty"`
	PaymentStatus     string `db:"payment_status" json:"payment_status"`
	Status            string `db:"status" json:"status"`

	StatusHistory StatusHistory `db:"status_history" json:"status_history"`
	Refunds       Refunds       `db:"refunds" json:"refunds"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentRef returns the tagged provider reference of the order.
func (o *Order) PaymentRef() PaymentReference {
	return PaymentReference{Method: o.PaymentMethod, ExternalID: o.PaymentExternalID}
}

// SetPaymentRef records the provider transaction the order is paid with.
func (o *Order) SetPaymentRef(ref PaymentReference) {
	o.PaymentMethod = ref.Method
	o.PaymentExternalID = ref.ExternalID
}

// TotalRefunded sums the processed refunds.
func (o *Order) TotalRefunded() int64 {
	var total int64
	for _, r := range o.Refunds {
		total += r.Amount
	}
	return total
}

// RefundableAmount is what a new refund request may claim at most.
func (o *Order) RefundableAmount() int64 {
	return o.Total - o.TotalRefunded()
}

// AddStatusHistory appends an audit entry and moves the order status.
func (o *Order) AddStatusHistory(status, note string, actor *uuid.UUID) {
	o.StatusHistory = append(o.StatusHistory, StatusChange{
		Status:    status,
		Note:      note,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	})
	o.Status = status
}

// PaymentAttempt correlates an order with one provider transaction so the
// call chain stays idempotent and re-confirmable after a crash.
type PaymentAttempt struct {
	ID           uuid.UUID `db:"id" json:"id"`
	OrderID      uuid.UUID `db:"order_id" json:"order_id"`
	Method       string    `db:"method" json:"method"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	Status       string    `db:"status" json:"status"`
	Amount       int64     `db:"amount" json:"amount"`
	Currency     string    `db:"currency" json:"currency"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"last_synced_at"`
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported scan source %T", src)
	}
}
