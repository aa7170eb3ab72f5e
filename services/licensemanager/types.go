// Package licensemanager distributes a pool of rate-limited API
// licenses across concurrent callers. Every license carries a daily
// usage cap enforced by atomic conditional writes against the quota
// store; the in-process rotation cursor only spreads load and is never
// part of the cap argument. Reservations that back a failed downstream
// call are returned to the pool through compensation.
package licensemanager

import (
	"context"
	"errors"

	"forecast_platform/models"
)

// ReserveOutcome is the result of one reservation attempt against a
// single license. CapReached and Conflict are routine outcomes the
// allocator branches on, not errors.
type ReserveOutcome int

const (
	// ReserveGranted means the usage counter was durably incremented.
	ReserveGranted ReserveOutcome = iota
	// ReserveCapReached means the license is at its daily limit.
	ReserveCapReached
	// ReserveConflict means a transient store race or timeout; the
	// caller decides whether to retry the same license or move on.
	ReserveConflict
)

func (o ReserveOutcome) String() string {
	switch o {
	case ReserveGranted:
		return "granted"
	case ReserveCapReached:
		return "cap_reached"
	case ReserveConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	// ErrPoolExhausted is returned by Acquire when every registered
	// license is at its daily cap. It is an expected outcome under
	// load; callers should defer the unit of work, not crash.
	ErrPoolExhausted = errors.New("license pool exhausted")

	// ErrStoreUnavailable is returned when the quota store cannot be
	// reached. Allocation fails closed.
	ErrStoreUnavailable = errors.New("quota store unavailable")
)

// Store is the durable quota store consumed by the Manager. One record
// exists per (license_id, date); all mutations are atomic conditional
// writes, so the cap invariant holds across any number of processes.
type Store interface {
	// TryReserve atomically increments the usage counter for
	// (licenseID, date) if it is under its cap, inserting the record
	// with usage_count=1 and the given limit when absent. A non-nil
	// error means the store itself failed; outcome is only meaningful
	// when the error is nil.
	TryReserve(ctx context.Context, licenseID, date string, limit int) (ReserveOutcome, error)

	// Release atomically decrements the usage counter for
	// (licenseID, date), never below zero. Returns false when there
	// was nothing to compensate (missing record or zero count).
	Release(ctx context.Context, licenseID, date string) (bool, error)

	// EnsureDay inserts a zeroed record for every (license, date) pair
	// in limits that does not exist yet. Records created concurrently
	// by other writers are left untouched.
	EnsureDay(ctx context.Context, limits map[string]int, date string) error

	// Licenses enumerates the distinct license ids present in the store.
	Licenses(ctx context.Context) ([]string, error)

	// LatestLimit returns the daily limit from the most recent record
	// for the license, or models.DefaultDailyLimit when none exists.
	LatestLimit(ctx context.Context, licenseID string) (int, error)

	// Usage returns all usage records for the given date.
	Usage(ctx context.Context, date string) ([]models.LicenseUsageRecord, error)
}
