package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_hold.lua
var reserveHoldScript string

//go:embed scripts/release_hold.lua
var releaseHoldScript string

//go:embed scripts/commit_hold.lua
var commitHoldScript string

// ReserveOutcome reports what the reserve script decided.
type ReserveOutcome int

const (
	// ReserveMiss means the unit is not cached; fall back to the store.
	ReserveMiss ReserveOutcome = iota
	// ReserveRejected means the unit is exhausted.
	ReserveRejected
	// ReserveAccepted means held was incremented.
	ReserveAccepted
)

// Client keeps unit counters in Redis as a fast pre-check in front of the
// store, so sold-out units reject a thundering herd without touching the
// database. The store stays authoritative; every cache mutation mirrors a
// store mutation.
type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a Redis client with the hold scripts loaded.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveHoldScript),
		releaseScript: redis.NewScript(releaseHoldScript),
		commitScript:  redis.NewScript(commitHoldScript),
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func unitKey(unitID uuid.UUID) string {
	return fmt.Sprintf("unit:%s", unitID)
}

// ReserveHold atomically checks capacity - sold - held and claims quantity.
func (c *Client) ReserveHold(ctx context.Context, unitID uuid.UUID, quantity int) (ReserveOutcome, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{unitKey(unitID)}, quantity).Result()
	if err != nil {
		return ReserveMiss, fmt.Errorf("reserve hold script failed: %w", err)
	}

	switch result {
	case int64(1):
		return ReserveAccepted, nil
	case int64(0):
		return ReserveRejected, nil
	default:
		return ReserveMiss, nil
	}
}

// ReleaseHold returns a claimed quantity to the pool.
func (c *Client) ReleaseHold(ctx context.Context, unitID uuid.UUID, quantity int) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{unitKey(unitID)}, quantity).Result(); err != nil {
		return fmt.Errorf("release hold script failed: %w", err)
	}
	return nil
}

// CommitHold moves a claimed quantity from held to sold.
func (c *Client) CommitHold(ctx context.Context, unitID uuid.UUID, quantity int) error {
	if _, err := c.commitScript.Run(ctx, c.rdb, []string{unitKey(unitID)}, quantity).Result(); err != nil {
		return fmt.Errorf("commit hold script failed: %w", err)
	}
	return nil
}

// InitUnit seeds the cached counters for a unit.
func (c *Client) InitUnit(ctx context.Context, unitID uuid.UUID, capacity, sold, held int) error {
	pipe := c.rdb.Pipeline()
	key := unitKey(unitID)
	pipe.HSet(ctx, key, "capacity", capacity)
	pipe.HSet(ctx, key, "sold", sold)
	pipe.HSet(ctx, key, "held", held)

	_, err := pipe.Exec(ctx)
	return err
}

// DropUnit removes a unit from the cache (deactivation).
func (c *Client) DropUnit(ctx context.Context, unitID uuid.UUID) error {
	return c.rdb.Del(ctx, unitKey(unitID)).Err()
}
