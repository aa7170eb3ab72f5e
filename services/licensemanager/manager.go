package licensemanager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"forecast_platform/models"
)

const (
	// How many times one candidate is retried after a store conflict
	// before the allocator rotates to the next license.
	reserveRetries = 3
	// Fixed delay between conflict retries.
	conflictRetryDelay = 200 * time.Millisecond
	// Budget for the fire-and-forget compensation write.
	compensateTimeout = 10 * time.Second
)

// Manager hands out licenses round-robin while the store enforces each
// license's daily cap. One Manager is constructed per process; the
// registry cache and rotation cursor are process-local and correctness
// does not depend on them surviving a restart.
type Manager struct {
	store Store

	mu       sync.Mutex
	licenses []string       // sorted registry snapshot
	limits   map[string]int // cached daily limits, stale tolerated
	cursor   int
}

// NewManager creates an allocator over the given quota store. The
// registry is loaded lazily on first use; call RefreshRegistry to load
// it eagerly.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		limits: make(map[string]int),
	}
}

// today returns the process-local calendar day used as the record key
func today() string {
	return time.Now().Format("2006-01-02")
}

// RefreshRegistry reloads the license ids and their limits from the
// store. Licenses disappearing from the store drop out of rotation;
// cached limits for surviving licenses are kept.
func (m *Manager) RefreshRegistry(ctx context.Context) error {
	licenses, err := m.store.Licenses(ctx)
	if err != nil {
		return fmt.Errorf("refresh license registry: %w", err)
	}

	limits := make(map[string]int, len(licenses))
	m.mu.Lock()
	cached := m.limits
	m.mu.Unlock()

	for _, id := range licenses {
		if limit, ok := cached[id]; ok {
			limits[id] = limit
			continue
		}
		limit, err := m.store.LatestLimit(ctx, id)
		if err != nil {
			return fmt.Errorf("refresh license registry: %w", err)
		}
		limits[id] = limit
	}

	m.mu.Lock()
	m.licenses = licenses
	m.limits = limits
	if len(licenses) == 0 {
		m.cursor = 0
	} else {
		m.cursor = m.cursor % len(licenses)
	}
	m.mu.Unlock()

	log.Printf("License registry refreshed: %d licenses", len(licenses))
	return nil
}

// Acquire reserves one unit of quota on some license and returns a
// handle for it. The reservation is already durable when Acquire
// returns; the caller must either consume it or pass the handle to
// Compensate after a failed downstream call. Returns ErrPoolExhausted
// when every license is at its cap.
func (m *Manager) Acquire(ctx context.Context) (models.LicenseHandle, error) {
	date := today()

	m.mu.Lock()
	empty := len(m.licenses) == 0
	m.mu.Unlock()
	if empty {
		if err := m.RefreshRegistry(ctx); err != nil {
			return models.LicenseHandle{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	m.mu.Lock()
	licenses := append([]string(nil), m.licenses...)
	limits := make(map[string]int, len(m.limits))
	for id, limit := range m.limits {
		limits[id] = limit
	}
	start := m.cursor
	m.mu.Unlock()

	n := len(licenses)
	if n == 0 {
		return models.LicenseHandle{}, ErrPoolExhausted
	}

	// Day-rollover guard. A failed rollover is non-fatal: the
	// reservation insert path creates missing records on its own.
	m.ensureTodayInitialized(ctx, date)

	capped := 0
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		licenseID := licenses[idx]
		limit := limits[licenseID]
		if limit <= 0 {
			limit = models.DefaultDailyLimit
		}

		outcome, err := m.reserveWithRetry(ctx, licenseID, date, limit)
		if err != nil {
			return models.LicenseHandle{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		switch outcome {
		case ReserveGranted:
			m.advanceCursor(idx)
			log.Printf("License %s reserved for %s (slot %d/%d)",
				models.TruncateLicense(licenseID), date, idx+1, n)
			return models.LicenseHandle{LicenseID: licenseID, Date: date}, nil
		case ReserveCapReached:
			capped++
		case ReserveConflict:
			// Still conflicting after the bounded retries; rotate on.
		}
	}

	if capped == n {
		log.Printf("License pool exhausted: all %d licenses at daily cap", n)
		return models.LicenseHandle{}, ErrPoolExhausted
	}
	// Some candidates never settled; fail closed rather than report a
	// definitive exhaustion.
	return models.LicenseHandle{}, fmt.Errorf("%w: persistent write conflicts", ErrStoreUnavailable)
}

// reserveWithRetry retries one candidate after transient conflicts with
// a short fixed delay.
func (m *Manager) reserveWithRetry(ctx context.Context, licenseID, date string, limit int) (ReserveOutcome, error) {
	outcome := ReserveConflict
	for attempt := 0; attempt <= reserveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(conflictRetryDelay):
			case <-ctx.Done():
				return ReserveConflict, ctx.Err()
			}
		}

		var err error
		outcome, err = m.store.TryReserve(ctx, licenseID, date, limit)
		if err != nil {
			return ReserveConflict, err
		}
		if outcome != ReserveConflict {
			return outcome, nil
		}
		log.Printf("Reservation conflict on %s (attempt %d/%d)",
			models.TruncateLicense(licenseID), attempt+1, reserveRetries+1)
	}
	return outcome, nil
}

// advanceCursor moves the rotation cursor past the slot that was just
// granted, so the next Acquire starts at the following license. The
// cursor is advisory; registry changes may shift it harmlessly.
func (m *Manager) advanceCursor(grantedIdx int) {
	m.mu.Lock()
	if len(m.licenses) > 0 {
		m.cursor = (grantedIdx + 1) % len(m.licenses)
	}
	m.mu.Unlock()
}

// Compensate returns the quota behind a granted reservation whose
// downstream call failed. Call it exactly once per failed call and
// never after a successful one. Failures are logged, never surfaced:
// an uncompensated count only under-uses quota until midnight.
func (m *Manager) Compensate(handle models.LicenseHandle) {
	if handle.LicenseID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	released, err := m.store.Release(ctx, handle.LicenseID, handle.Date)
	if err != nil {
		log.Printf("Compensation failed for %s on %s: %v",
			models.TruncateLicense(handle.LicenseID), handle.Date, err)
		return
	}
	if !released {
		// Record missing or already zero; nothing to give back.
		log.Printf("Compensation no-op for %s on %s",
			models.TruncateLicense(handle.LicenseID), handle.Date)
		return
	}
	log.Printf("Compensated reservation for %s on %s",
		models.TruncateLicense(handle.LicenseID), handle.Date)
}

// UsageSnapshot reports today's usage per license. Read-only; not used
// for allocation decisions.
func (m *Manager) UsageSnapshot(ctx context.Context) ([]models.LicenseUsage, error) {
	records, err := m.store.Usage(ctx, today())
	if err != nil {
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}

	snapshot := make([]models.LicenseUsage, 0, len(records))
	for _, rec := range records {
		snapshot = append(snapshot, models.LicenseUsage{
			LicenseID:  rec.LicenseID,
			UsageCount: rec.UsageCount,
			DailyLimit: rec.DailyLimit,
		})
	}
	return snapshot, nil
}

// RolloverDay refreshes the license registry and batch-initializes
// today's usage records. Meant to run shortly after midnight.
func (m *Manager) RolloverDay(ctx context.Context) {
	if err := m.RefreshRegistry(ctx); err != nil {
		log.Printf("Registry refresh during rollover failed: %v", err)
	}
	m.ensureTodayInitialized(ctx, today())
}

// ensureTodayInitialized creates today's record for every registered
// license that does not have one yet, in a single insert-if-absent
// batch. Retried once; a fully failed rollover is non-fatal because
// each reservation attempt can create its own record lazily.
func (m *Manager) ensureTodayInitialized(ctx context.Context, date string) {
	existing, err := m.store.Usage(ctx, date)
	if err != nil {
		log.Printf("Day rollover check failed: %v", err)
		return
	}

	present := make(map[string]bool, len(existing))
	for _, rec := range existing {
		present[rec.LicenseID] = true
	}

	m.mu.Lock()
	missing := make(map[string]int)
	for _, id := range m.licenses {
		if !present[id] {
			limit := m.limits[id]
			if limit <= 0 {
				limit = models.DefaultDailyLimit
			}
			missing[id] = limit
		}
	}
	m.mu.Unlock()

	if len(missing) == 0 {
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err = m.store.EnsureDay(ctx, missing, date); err == nil {
			log.Printf("Day rollover: initialized %d license records for %s", len(missing), date)
			return
		}
	}
	log.Printf("Day rollover failed for %s (reservations will fall back to lazy init): %v", date, err)
}
