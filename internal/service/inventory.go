package service

import (
	"context"
	"errors"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/redisclient"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger owns the inventory counters. All capacity mutations route through
// it; it pairs the authoritative store transitions with the Redis fast path
// so a sold-out unit rejects most traffic before touching the database.
// The cache is optional and advisory: when it is nil or stale the store
// decides alone.
type Ledger struct {
	store  store.Store
	cache  *redisclient.Client
	logger *zap.Logger
}

// NewLedger creates a Ledger. cache may be nil.
func NewLedger(st store.Store, cache *redisclient.Client) *Ledger {
	return &Ledger{store: st, cache: cache, logger: util.GetLogger()}
}

// CreateUnit registers a sellable unit and seeds its cached counters.
func (l *Ledger) CreateUnit(ctx context.Context, unit *models.InventoryUnit) error {
	ctx, span := util.StartSpan(ctx, "ledger.CreateUnit")
	defer span.End()

	if err := l.store.CreateUnit(ctx, unit); err != nil {
		return err
	}
	if l.cache != nil {
		if err := l.cache.InitUnit(ctx, unit.ID, unit.Capacity, unit.Sold, unit.Held); err != nil {
			l.logger.Warn("Failed to seed unit cache", zap.String("unit_id", unit.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// GetUnit retrieves a unit.
func (l *Ledger) GetUnit(ctx context.Context, id uuid.UUID) (*models.InventoryUnit, error) {
	return l.store.GetUnit(ctx, id)
}

// ListUnitsByEvent lists the units configured for an event.
func (l *Ledger) ListUnitsByEvent(ctx context.Context, eventID uuid.UUID) ([]models.InventoryUnit, error) {
	return l.store.ListUnitsByEvent(ctx, eventID)
}

// UpdatePrice reprices a unit for future sales. Tickets and orders already
// created keep the price they snapshotted. The cached counters are untouched;
// price never enters the availability math.
func (l *Ledger) UpdatePrice(ctx context.Context, id uuid.UUID, price int64) error {
	return l.store.UpdateUnitPrice(ctx, id, price)
}

// DeactivateUnit takes a unit off sale and drops its cache entry.
func (l *Ledger) DeactivateUnit(ctx context.Context, id uuid.UUID) error {
	if err := l.store.DeactivateUnit(ctx, id); err != nil {
		return err
	}
	if l.cache != nil {
		if err := l.cache.DropUnit(ctx, id); err != nil {
			l.logger.Warn("Failed to drop unit cache", zap.String("unit_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// Reserve places a hold. The cached counters act as a pre-check: a cache
// rejection short-circuits without a store round trip, a cache accept is
// compensated if the store then refuses.
func (l *Ledger) Reserve(ctx context.Context, hold *models.Hold) error {
	ctx, span := util.StartSpan(ctx, "ledger.Reserve")
	defer span.End()

	accepted := false
	if l.cache != nil {
		outcome, err := l.cache.ReserveHold(ctx, hold.UnitID, hold.Quantity)
		if err != nil {
			l.logger.Warn("Reserve cache check failed, falling back to store", zap.Error(err))
		} else {
			switch outcome {
			case redisclient.ReserveRejected:
				util.HoldsRejectedTotal.WithLabelValues("sold_out").Inc()
				return models.ErrSeatUnavailable
			case redisclient.ReserveAccepted:
				accepted = true
			}
		}
	}

	if err := l.store.ReserveUnit(ctx, hold); err != nil {
		if accepted {
			if cerr := l.cache.ReleaseHold(ctx, hold.UnitID, hold.Quantity); cerr != nil {
				l.logger.Warn("Failed to compensate cache reserve", zap.Error(cerr))
			}
		}
		if errors.Is(err, models.ErrSeatUnavailable) {
			util.HoldsRejectedTotal.WithLabelValues("sold_out").Inc()
		}
		return err
	}
	return nil
}

// Release returns an active hold's quantity to the pool with the given
// terminal status.
func (l *Ledger) Release(ctx context.Context, holdID uuid.UUID, status string) error {
	hold, err := l.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if err := l.store.ReleaseHold(ctx, holdID, status); err != nil {
		return err
	}
	if l.cache != nil {
		if err := l.cache.ReleaseHold(ctx, hold.UnitID, hold.Quantity); err != nil {
			l.logger.Warn("Failed to mirror release to cache", zap.Error(err))
		}
	}
	return nil
}

// Commit promotes a hold: held moves to sold.
func (l *Ledger) Commit(ctx context.Context, holdID uuid.UUID, now time.Time) (*models.Hold, error) {
	hold, err := l.store.CommitHold(ctx, holdID, now)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if cerr := l.cache.CommitHold(ctx, hold.UnitID, hold.Quantity); cerr != nil {
			l.logger.Warn("Failed to mirror commit to cache", zap.Error(cerr))
		}
	}
	return hold, nil
}

// ReverseCommit undoes a promotion after a later step of the same batch
// failed, then resyncs the cached counters from the store.
func (l *Ledger) ReverseCommit(ctx context.Context, holdID uuid.UUID) error {
	hold, err := l.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if err := l.store.ReverseCommit(ctx, holdID); err != nil {
		return err
	}
	l.SyncUnit(ctx, hold.UnitID)
	return nil
}

// ReleaseSold returns sold inventory to the pool after a refund.
func (l *Ledger) ReleaseSold(ctx context.Context, unitID uuid.UUID, quantity int) error {
	if err := l.store.ReleaseSold(ctx, unitID, quantity); err != nil {
		return err
	}
	l.SyncUnit(ctx, unitID)
	return nil
}

// SyncUnit rewrites the cached counters from the authoritative store row.
func (l *Ledger) SyncUnit(ctx context.Context, unitID uuid.UUID) {
	if l.cache == nil {
		return
	}
	unit, err := l.store.GetUnit(ctx, unitID)
	if err != nil {
		l.logger.Warn("Failed to load unit for cache sync", zap.String("unit_id", unitID.String()), zap.Error(err))
		return
	}
	if err := l.cache.InitUnit(ctx, unit.ID, unit.Capacity, unit.Sold, unit.Held); err != nil {
		l.logger.Warn("Failed to sync unit cache", zap.String("unit_id", unitID.String()), zap.Error(err))
	}
}
