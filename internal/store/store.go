package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the persistence contract the services depend on. Implementations
// must make the inventory operations atomic with respect to concurrent
// callers on the same unit, and must serialize the daily order-number
// counter. SQLStore does both with row locks; MemoryStore with a mutex.
type Store interface {
	CreateUnit(ctx context.Context, unit *models.InventoryUnit) error
	GetUnit(ctx context.Context, id uuid.UUID) (*models.InventoryUnit, error)
	ListUnitsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.InventoryUnit, error)
	UpdateUnitPrice(ctx context.Context, id uuid.UUID, price int64) error
	DeactivateUnit(ctx context.Context, id uuid.UUID) error

	ReserveUnit(ctx context.Context, hold *models.Hold) error
	ReleaseSold(ctx context.Context, unitID uuid.UUID, quantity int) error
	ReleaseHold(ctx context.Context, holdID uuid.UUID, status string) error
	CommitHold(ctx context.Context, holdID uuid.UUID, now time.Time) (*models.Hold, error)
	ReverseCommit(ctx context.Context, holdID uuid.UUID) error
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error)
	ListExpiredHolds(ctx context.Context, now time.Time) ([]models.Hold, error)

	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error)
	GetTicketsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Ticket, error)
	ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error)
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	CompleteOrder(ctx context.Context, order *models.Order, tickets []models.Ticket, attempt *models.PaymentAttempt, confirmKey string) error
	NextOrderNumber(ctx context.Context, day time.Time) (string, error)

	CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	LatestPaymentAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	ListStalePaymentAttempts(ctx context.Context, olderThan time.Time) ([]models.PaymentAttempt, error)

	IsConfirmationProcessed(ctx context.Context, key string) (bool, error)
	MarkConfirmationProcessed(ctx context.Context, key string) error
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewStore connects to Postgres and returns a SQLStore.
func NewStore(databaseURL string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const unitColumns = `id, event_id, event_date, ticket_type, section, "row", seat, zone,
	capacity, sold, held, price, currency, active, updated_at`

// CreateUnit inserts a sellable unit. Units are created when an event's
// ticketing is configured and are soft-deactivated, never deleted.
func (s *SQLStore) CreateUnit(ctx context.Context, unit *models.InventoryUnit) error {
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	unit.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		unit.ID, unit.EventID, unit.EventDate, unit.TicketType, unit.Section, unit.Row,
		unit.Seat, unit.Zone, unit.Capacity, unit.Sold, unit.Held, unit.Price,
		unit.Currency, unit.Active, unit.UpdatedAt)
	return err
}

// GetUnit retrieves a unit by ID.
func (s *SQLStore) GetUnit(ctx context.Context, id uuid.UUID) (*models.InventoryUnit, error) {
	var unit models.InventoryUnit
	err := s.db.GetContext(ctx, &unit,
		`SELECT `+unitColumns+` FROM inventory_units WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ListUnitsByEvent retrieves every unit configured for an event.
func (s *SQLStore) ListUnitsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.InventoryUnit, error) {
	var units []models.InventoryUnit
	err := s.db.SelectContext(ctx, &units,
		`SELECT `+unitColumns+` FROM inventory_units WHERE event_id = $1 ORDER BY section, "row", seat, ticket_type`,
		eventID)
	return units, err
}

// UpdateUnitPrice reprices a unit for future sales. Existing orders and
// tickets keep the snapshot they were sold at.
func (s *SQLStore) UpdateUnitPrice(ctx context.Context, id uuid.UUID, price int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory_units SET price = $1, updated_at = NOW() WHERE id = $2`, price, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrUnitNotFound
	}
	return nil
}

// DeactivateUnit takes a unit off sale without touching sold counts.
func (s *SQLStore) DeactivateUnit(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory_units SET active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrUnitNotFound
	}
	return nil
}

// ReserveUnit atomically checks availability and creates an active hold.
// The unit row is locked FOR UPDATE so concurrent reserves on the same unit
// serialize; capacity - sold - held is re-read under the lock.
func (s *SQLStore) ReserveUnit(ctx context.Context, hold *models.Hold) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var unit models.InventoryUnit
	err = tx.GetContext(ctx, &unit,
		`SELECT `+unitColumns+` FROM inventory_units WHERE id = $1 FOR UPDATE`, hold.UnitID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrUnitNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock unit: %w", err)
	}

	if !unit.Active || unit.Available() < hold.Quantity {
		return models.ErrSeatUnavailable
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory_units SET held = held + $1, updated_at = NOW() WHERE id = $2`,
		hold.Quantity, hold.UnitID)
	if err != nil {
		return fmt.Errorf("failed to hold inventory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holds (id, unit_id, buyer_id, quantity, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		hold.ID, hold.UnitID, hold.BuyerID, hold.Quantity, hold.Status,
		hold.CreatedAt, hold.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create hold: %w", err)
	}

	return tx.Commit()
}

// ReleaseSold returns sold quantity to the pool after a refund. Clamped at
// zero so a double release cannot drive the counter negative.
func (s *SQLStore) ReleaseSold(ctx context.Context, unitID uuid.UUID, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory_units SET sold = GREATEST(sold - $1, 0), updated_at = NOW() WHERE id = $2`,
		quantity, unitID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrUnitNotFound
	}
	return nil
}

// lockActiveHold fetches a hold FOR UPDATE and verifies it is still active.
func lockActiveHold(ctx context.Context, tx *sqlx.Tx, holdID uuid.UUID) (*models.Hold, error) {
	var hold models.Hold
	err := tx.GetContext(ctx, &hold,
		`SELECT id, unit_id, buyer_id, quantity, status, created_at, expires_at
		 FROM holds WHERE id = $1 FOR UPDATE`, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if hold.Status != models.HoldStatusActive {
		return nil, models.ErrHoldNotFound
	}
	return &hold, nil
}

// ReleaseHold returns a hold's quantity to the pool and marks the hold with
// the given terminal status (released or expired). Safe to race with a
// concurrent promote: whoever locks the hold row first wins, the loser sees
// a non-active hold.
func (s *SQLStore) ReleaseHold(ctx context.Context, holdID uuid.UUID, status string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hold, err := lockActiveHold(ctx, tx, holdID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory_units SET held = held - $1, updated_at = NOW() WHERE id = $2`,
		hold.Quantity, hold.UnitID)
	if err != nil {
		return fmt.Errorf("failed to release inventory: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE holds SET status = $1 WHERE id = $2`, status, holdID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CommitHold promotes an active, unexpired hold: held moves to sold and the
// hold becomes promoted. Expiry is judged against ExpiresAt under the lock,
// not against sweep timing; an expired hold fails here and is left for the
// sweep to release.
func (s *SQLStore) CommitHold(ctx context.Context, holdID uuid.UUID, now time.Time) (*models.Hold, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, err := lockActiveHold(ctx, tx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Expired(now) {
		return nil, models.ErrHoldExpired
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory_units SET held = held - $1, sold = sold + $1, updated_at = NOW() WHERE id = $2`,
		hold.Quantity, hold.UnitID)
	if err != nil {
		return nil, fmt.Errorf("failed to commit inventory: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE holds SET status = $1 WHERE id = $2`, models.HoldStatusPromoted, holdID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	hold.Status = models.HoldStatusPromoted
	return hold, nil
}

// ReverseCommit undoes a promotion when a later step of the same batch
// failed: sold returns to the pool and the hold ends released.
func (s *SQLStore) ReverseCommit(ctx context.Context, holdID uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var hold models.Hold
	err = tx.GetContext(ctx, &hold,
		`SELECT id, unit_id, buyer_id, quantity, status, created_at, expires_at
		 FROM holds WHERE id = $1 FOR UPDATE`, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrHoldNotFound
	}
	if err != nil {
		return err
	}
	if hold.Status != models.HoldStatusPromoted {
		return models.ErrHoldNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory_units SET sold = sold - $1, updated_at = NOW() WHERE id = $2`,
		hold.Quantity, hold.UnitID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE holds SET status = $1 WHERE id = $2`, models.HoldStatusReleased, holdID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetHold retrieves a hold by ID.
func (s *SQLStore) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	var hold models.Hold
	err := s.db.GetContext(ctx, &hold,
		`SELECT id, unit_id, buyer_id, quantity, status, created_at, expires_at
		 FROM holds WHERE id = $1`, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// ListExpiredHolds returns active holds past their TTL, for the sweep.
func (s *SQLStore) ListExpiredHolds(ctx context.Context, now time.Time) ([]models.Hold, error) {
	var holds []models.Hold
	err := s.db.SelectContext(ctx, &holds,
		`SELECT id, unit_id, buyer_id, quantity, status, created_at, expires_at
		 FROM holds WHERE status = $1 AND expires_at < $2`,
		models.HoldStatusActive, now)
	return holds, err
}

// NextOrderNumber assigns the next number for the day as YYMMDD + 4-digit
// sequence. The upsert serializes concurrent callers on the counter row, so
// two orders created in the same instant still get distinct numbers.
func (s *SQLStore) NextOrderNumber(ctx context.Context, day time.Time) (string, error) {
	var seq int
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO order_counters (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = order_counters.seq + 1
		RETURNING seq`,
		day.UTC().Format("2006-01-02"))
	if err != nil {
		return "", fmt.Errorf("failed to advance order counter: %w", err)
	}
	return fmt.Sprintf("%s%04d", day.UTC().Format("060102"), seq), nil
}
