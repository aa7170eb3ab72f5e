package licensemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"forecast_platform/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store whose operations are atomic under one
// mutex, mirroring the atomicity the MongoDB implementation gets from
// single-document conditional writes.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.LicenseUsageRecord // keyed license|date
	known   []string
	limits  map[string]int

	// fault injection
	conflictsLeft map[string]int // per-license transient conflicts to report
	failAll       bool

	reserveCalls map[string]int
}

func newFakeStore(licenses map[string]int) *fakeStore {
	f := &fakeStore{
		records:       make(map[string]*models.LicenseUsageRecord),
		limits:        make(map[string]int),
		conflictsLeft: make(map[string]int),
		reserveCalls:  make(map[string]int),
	}
	for id, limit := range licenses {
		f.known = append(f.known, id)
		f.limits[id] = limit
		// Seed yesterday's record so the license is discoverable and
		// carries a prior limit, like a real pool would.
		yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
		f.records[id+"|"+yesterday] = &models.LicenseUsageRecord{
			LicenseID: id, Date: yesterday, UsageCount: 0, DailyLimit: limit,
		}
	}
	return f
}

func (f *fakeStore) key(id, date string) string { return id + "|" + date }

func (f *fakeStore) TryReserve(_ context.Context, licenseID, date string, limit int) (ReserveOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserveCalls[licenseID]++
	if f.failAll {
		return ReserveConflict, errors.New("store down")
	}
	if f.conflictsLeft[licenseID] > 0 {
		f.conflictsLeft[licenseID]--
		return ReserveConflict, nil
	}

	rec, ok := f.records[f.key(licenseID, date)]
	if !ok {
		f.records[f.key(licenseID, date)] = &models.LicenseUsageRecord{
			LicenseID: licenseID, Date: date, UsageCount: 1, DailyLimit: limit,
			LastUpdated: time.Now(),
		}
		return ReserveGranted, nil
	}
	if rec.UsageCount >= rec.DailyLimit {
		return ReserveCapReached, nil
	}
	rec.UsageCount++
	rec.LastUpdated = time.Now()
	return ReserveGranted, nil
}

func (f *fakeStore) Release(_ context.Context, licenseID, date string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return false, errors.New("store down")
	}
	rec, ok := f.records[f.key(licenseID, date)]
	if !ok || rec.UsageCount == 0 {
		return false, nil
	}
	rec.UsageCount--
	rec.LastUpdated = time.Now()
	return true, nil
}

func (f *fakeStore) EnsureDay(_ context.Context, limits map[string]int, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return errors.New("store down")
	}
	for id, limit := range limits {
		if _, ok := f.records[f.key(id, date)]; ok {
			continue
		}
		f.records[f.key(id, date)] = &models.LicenseUsageRecord{
			LicenseID: id, Date: date, UsageCount: 0, DailyLimit: limit,
			LastUpdated: time.Now(),
		}
	}
	return nil
}

func (f *fakeStore) Licenses(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return nil, errors.New("store down")
	}
	return append([]string(nil), f.known...), nil
}

func (f *fakeStore) LatestLimit(_ context.Context, licenseID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit, ok := f.limits[licenseID]; ok {
		return limit, nil
	}
	return models.DefaultDailyLimit, nil
}

func (f *fakeStore) Usage(_ context.Context, date string) ([]models.LicenseUsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return nil, errors.New("store down")
	}
	var records []models.LicenseUsageRecord
	for _, rec := range f.records {
		if rec.Date == date {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (f *fakeStore) usageCount(t *testing.T, licenseID, date string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[f.key(licenseID, date)]
	if !ok {
		return 0
	}
	return rec.UsageCount
}

func TestAcquireRoundRobinFairness(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 100, "lic-b": 100, "lic-c": 100})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	var order []string
	for i := 0; i < 6; i++ {
		handle, err := mgr.Acquire(context.Background())
		require.NoError(t, err)
		order = append(order, handle.LicenseID)
	}

	assert.Equal(t, []string{"lic-a", "lic-b", "lic-c", "lic-a", "lic-b", "lic-c"}, order)

	date := today()
	assert.Equal(t, 2, store.usageCount(t, "lic-a", date))
	assert.Equal(t, 2, store.usageCount(t, "lic-b", date))
	assert.Equal(t, 2, store.usageCount(t, "lic-c", date))
}

func TestAcquireExhaustion(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 1, "lic-b": 1})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	_, err = mgr.Acquire(context.Background())
	require.NoError(t, err)

	_, err = mgr.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestCompensateRestoresCount(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	before := store.usageCount(t, "lic-a", today())
	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, store.usageCount(t, "lic-a", today()))

	mgr.Compensate(handle)
	assert.Equal(t, before, store.usageCount(t, "lic-a", today()))
}

func TestCompensateNoopOnZeroCount(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	// Nothing reserved yet; compensation must not drive the count
	// negative or fail.
	mgr.Compensate(models.LicenseHandle{LicenseID: "lic-a", Date: today()})
	assert.Equal(t, 0, store.usageCount(t, "lic-a", today()))

	// Absent record is equally benign.
	mgr.Compensate(models.LicenseHandle{LicenseID: "lic-ghost", Date: today()})
}

func TestCapInvariantUnderConcurrency(t *testing.T) {
	const perLicenseCap = 5
	store := newFakeStore(map[string]int{"lic-a": perLicenseCap, "lic-b": perLicenseCap})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	const callers = 40
	var wg sync.WaitGroup
	granted := make(chan models.LicenseHandle, callers)
	exhausted := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := mgr.Acquire(context.Background())
			if err == nil {
				granted <- handle
			} else if errors.Is(err, ErrPoolExhausted) {
				exhausted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)
	close(exhausted)

	assert.Equal(t, 2*perLicenseCap, len(granted))
	assert.Equal(t, callers-2*perLicenseCap, len(exhausted))

	date := today()
	assert.LessOrEqual(t, store.usageCount(t, "lic-a", date), perLicenseCap)
	assert.LessOrEqual(t, store.usageCount(t, "lic-b", date), perLicenseCap)
}

func TestRolloverIdempotence(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 7, "lic-b": 9})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	date := today()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.ensureTodayInitialized(context.Background(), date)
		}()
	}
	wg.Wait()

	records, err := store.Usage(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, 0, rec.UsageCount, "rollover must initialize %s at zero", rec.LicenseID)
	}
	// Limits carried over from each license's prior record
	counts := map[string]int{}
	for _, rec := range records {
		counts[rec.LicenseID] = rec.DailyLimit
	}
	assert.Equal(t, map[string]int{"lic-a": 7, "lic-b": 9}, counts)
}

// Pins the cursor-advance rule: the cursor moves one past the granted
// slot, so a compensated license is not revisited until rotation comes
// back around.
func TestRotationAfterCompensation(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 200, "lic-b": 200})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	date := today()

	first, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lic-a", first.LicenseID)
	assert.Equal(t, 1, store.usageCount(t, "lic-a", date))

	second, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lic-b", second.LicenseID)

	// Downstream call with lic-b failed
	mgr.Compensate(second)
	assert.Equal(t, 0, store.usageCount(t, "lic-b", date))

	third, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lic-a", third.LicenseID)
}

func TestConflictRetriesSameCandidate(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10, "lic-b": 10})
	store.conflictsLeft["lic-a"] = 2
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	// The conflicting candidate is retried in place, not skipped
	assert.Equal(t, "lic-a", handle.LicenseID)
	assert.Equal(t, 3, store.reserveCalls["lic-a"])
	assert.Equal(t, 0, store.reserveCalls["lic-b"])
}

func TestConflictFallsThroughToNextCandidate(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10, "lic-b": 10})
	// More conflicts than the retry budget
	store.conflictsLeft["lic-a"] = reserveRetries + 5
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lic-b", handle.LicenseID)
}

func TestEmptyRegistryExhaustsWithoutReservations(t *testing.T) {
	store := newFakeStore(nil)
	mgr := NewManager(store)

	_, err := mgr.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Empty(t, store.reserveCalls)
}

func TestAcquireStoreUnavailable(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	store.mu.Lock()
	store.failAll = true
	store.mu.Unlock()

	_, err := mgr.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestUsageSnapshot(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 10, "lic-b": 10})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	snapshot, err := mgr.UsageSnapshot(context.Background())
	require.NoError(t, err)

	byID := map[string]models.LicenseUsage{}
	for _, row := range snapshot {
		byID[row.LicenseID] = row
	}
	require.Contains(t, byID, "lic-a")
	assert.Equal(t, 1, byID["lic-a"].UsageCount)
	assert.Equal(t, 10, byID["lic-a"].DailyLimit)
}

func TestRefreshRegistryPicksUpNewLicense(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 1})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	_, err = mgr.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	// Provision a new license mid-day
	store.mu.Lock()
	store.known = append(store.known, "lic-new")
	store.limits["lic-new"] = 5
	store.mu.Unlock()

	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lic-new", handle.LicenseID)
	// First record for the new license was created lazily by the
	// reservation itself.
	assert.Equal(t, 1, store.usageCount(t, "lic-new", today()))
}

func TestRolloverDayRefreshesAndInitializes(t *testing.T) {
	store := newFakeStore(map[string]int{"lic-a": 7})
	mgr := NewManager(store)
	require.NoError(t, mgr.RefreshRegistry(context.Background()))

	// License provisioned since the last refresh
	store.mu.Lock()
	store.known = append(store.known, "lic-b")
	store.limits["lic-b"] = 3
	store.mu.Unlock()

	mgr.RolloverDay(context.Background())

	records, err := store.Usage(context.Background(), today())
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, 0, rec.UsageCount)
	}
}

func TestReserveOutcomeString(t *testing.T) {
	assert.Equal(t, "granted", ReserveGranted.String())
	assert.Equal(t, "cap_reached", ReserveCapReached.String())
	assert.Equal(t, "conflict", ReserveConflict.String())
	assert.Equal(t, "unknown", ReserveOutcome(42).String())
}

func TestTruncateLicenseNeverLogsFullID(t *testing.T) {
	long := "sk-live-0123456789abcdef"
	truncated := models.TruncateLicense(long)
	assert.NotEqual(t, long, truncated)
	assert.Equal(t, fmt.Sprintf("%s...", long[:8]), truncated)
	assert.Equal(t, "short", models.TruncateLicense("short"))
}
