package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const ticketColumns = `id, ticket_number, event_id, event_date, buyer_id, order_id, unit_id,
	ticket_type, section, "row", seat, zone, price, currency, fees, taxes, status,
	qr_code, validation_code, refund_eligible, refund_requested_at, refund_processed_at,
	refund_amount, transfers, access_count, last_access, created_at, updated_at`

// CreateTicket inserts a freshly minted ticket.
func (s *SQLStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		t.ID, t.TicketNumber, t.EventID, t.EventDate, t.BuyerID, t.OrderID, t.UnitID,
		t.TicketType, t.Section, t.Row, t.Seat, t.Zone, t.Price, t.Currency, t.Fees,
		t.Taxes, t.Status, t.QRCode, t.ValidationCode, t.RefundEligible,
		t.RefundRequestedAt, t.RefundProcessedAt, t.RefundAmount, t.Transfers,
		t.AccessCount, t.LastAccess, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTicket retrieves a ticket by ID.
func (s *SQLStore) GetTicket(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTicketByNumber looks a ticket up by its public number (gate scanning).
func (s *SQLStore) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = $1`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTicketsByIDs retrieves multiple tickets by ID.
func (s *SQLStore) GetTicketsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Ticket, error) {
	if len(ids) == 0 {
		return []models.Ticket{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+ticketColumns+` FROM tickets WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var tickets []models.Ticket
	err = s.db.SelectContext(ctx, &tickets, query, args...)
	return tickets, err
}

// ListTicketsByOrder retrieves all tickets attached to an order.
func (s *SQLStore) ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.SelectContext(ctx, &tickets,
		`SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY created_at`, orderID)
	return tickets, err
}

// UpdateTicket persists the full ticket document in a single write. The
// services compute the new state in memory first, so a transition either
// lands whole or not at all.
func (s *SQLStore) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET
			buyer_id = $2, order_id = $3, status = $4, qr_code = $5,
			validation_code = $6, refund_eligible = $7, refund_requested_at = $8,
			refund_processed_at = $9, refund_amount = $10, transfers = $11,
			access_count = $12, last_access = $13, updated_at = $14
		WHERE id = $1`,
		t.ID, t.BuyerID, t.OrderID, t.Status, t.QRCode, t.ValidationCode,
		t.RefundEligible, t.RefundRequestedAt, t.RefundProcessedAt, t.RefundAmount,
		t.Transfers, t.AccessCount, t.LastAccess, t.UpdatedAt)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrTicketNotFound
	}
	return nil
}

const orderColumns = `id, order_number, buyer_id, items, subtotal, tax, discount, total,
	currency, payment_method, payment_external_id, payment_status, status,
	status_history, refunds, created_at, updated_at`

// CreateOrder inserts a new order.
func (s *SQLStore) CreateOrder(ctx context.Context, o *models.Order) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.OrderNumber, o.BuyerID, o.Items, o.Subtotal, o.Tax, o.Discount,
		o.Total, o.Currency, o.PaymentMethod, o.PaymentExternalID, o.PaymentStatus,
		o.Status, o.StatusHistory, o.Refunds, o.CreatedAt, o.UpdatedAt)
	return err
}

// GetOrder retrieves an order by ID.
func (s *SQLStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder persists the full order document in a single write.
func (s *SQLStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			payment_method = $2, payment_external_id = $3, payment_status = $4,
			status = $5, status_history = $6, refunds = $7, updated_at = $8
		WHERE id = $1`,
		o.ID, o.PaymentMethod, o.PaymentExternalID, o.PaymentStatus,
		o.Status, o.StatusHistory, o.Refunds, o.UpdatedAt)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

// CompleteOrder lands a confirmed order, its paid tickets, the attempt
// transition, and the confirmation idempotency record in one transaction,
// so a crash cannot split the side effects from the mark.
func (s *SQLStore) CompleteOrder(ctx context.Context, o *models.Order, tickets []models.Ticket, attempt *models.PaymentAttempt, confirmKey string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	o.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			payment_method = $2, payment_external_id = $3, payment_status = $4,
			status = $5, status_history = $6, refunds = $7, updated_at = $8
		WHERE id = $1`,
		o.ID, o.PaymentMethod, o.PaymentExternalID, o.PaymentStatus,
		o.Status, o.StatusHistory, o.Refunds, o.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrOrderNotFound
	}

	for i := range tickets {
		t := &tickets[i]
		t.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE tickets SET status = $2, updated_at = $3 WHERE id = $1`,
			t.ID, t.Status, t.UpdatedAt)
		if err != nil {
			return err
		}
	}

	if attempt != nil {
		attempt.LastSyncedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE payment_attempts SET status = $2, last_synced_at = $3 WHERE id = $1`,
			attempt.ID, attempt.Status, attempt.LastSyncedAt)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processed_confirmations (confirmation_key) VALUES ($1) ON CONFLICT (confirmation_key) DO NOTHING`,
		confirmKey)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CreatePaymentAttempt records a provider transaction before the initiate
// call returns, so a crash in between is recoverable by re-polling.
func (s *SQLStore) CreatePaymentAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastSyncedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (id, order_id, method, external_id, status, amount, currency, created_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OrderID, a.Method, a.ExternalID, a.Status, a.Amount, a.Currency,
		a.CreatedAt, a.LastSyncedAt)
	return err
}

// UpdatePaymentAttempt updates status and sync time for an attempt.
func (s *SQLStore) UpdatePaymentAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	a.LastSyncedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = $2, last_synced_at = $3 WHERE id = $1`,
		a.ID, a.Status, a.LastSyncedAt)
	return err
}

// LatestPaymentAttempt returns the most recent attempt for an order.
func (s *SQLStore) LatestPaymentAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	err := s.db.GetContext(ctx, &a, `
		SELECT id, order_id, method, external_id, status, amount, currency, created_at, last_synced_at
		FROM payment_attempts WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListStalePaymentAttempts returns non-terminal attempts that have not been
// synced since olderThan; the reconciler re-polls the provider for them.
func (s *SQLStore) ListStalePaymentAttempts(ctx context.Context, olderThan time.Time) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT id, order_id, method, external_id, status, amount, currency, created_at, last_synced_at
		FROM payment_attempts
		WHERE status IN ($1, $2) AND last_synced_at < $3`,
		models.PaymentStatusPending, models.PaymentStatusProcessing, olderThan)
	return attempts, err
}

// IsConfirmationProcessed checks the idempotency record for a confirmation.
func (s *SQLStore) IsConfirmationProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM processed_confirmations WHERE confirmation_key = $1)`, key)
	return exists, err
}

// MarkConfirmationProcessed records that a confirmation's side effects have
// been applied. Conflicts are ignored: a concurrent duplicate is harmless.
func (s *SQLStore) MarkConfirmationProcessed(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_confirmations (confirmation_key) VALUES ($1) ON CONFLICT (confirmation_key) DO NOTHING`,
		key)
	return err
}
