package models

import "errors"

// Domain errors returned as typed results across the service boundary.
// Handlers map them to structured responses; nothing provider-specific
// leaks through them.
var (
	// ErrSeatUnavailable means inventory is exhausted for the requested
	// unit. Retryable by re-searching.
	ErrSeatUnavailable = errors.New("seat unavailable")

	// ErrHoldExpired means the hold's TTL lapsed; the client must
	// re-reserve.
	ErrHoldExpired = errors.New("hold expired")

	// ErrHoldNotFound covers unknown holds and holds already in a
	// terminal state.
	ErrHoldNotFound = errors.New("hold not found")

	// ErrProviderUnavailable is a transient provider failure (timeout,
	// 5xx). Order state is never mutated on this error, so a client
	// retry is safe.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrPaymentDeclined is terminal for the attempt; the order stays
	// pending and the buyer may retry with a new attempt.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrRefundExceedsAvailable rejects refunds above the remaining
	// refundable amount. Never silently clamped.
	ErrRefundExceedsAvailable = errors.New("refund exceeds available amount")

	ErrUnauthorized         = errors.New("caller is not allowed to act on this resource")
	ErrAlreadyUsed          = errors.New("ticket already used")
	ErrTicketNotValid       = errors.New("ticket is not in a usable state")
	ErrNotTransferable      = errors.New("ticket is not transferable")
	ErrNotRefundEligible    = errors.New("ticket is not eligible for refund")
	ErrOrderNotPending      = errors.New("order is not pending")
	ErrUnknownPaymentMethod = errors.New("payment method not supported")
	ErrUnitNotFound         = errors.New("inventory unit not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrOrderNotFound        = errors.New("order not found")
)
