package datafetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast_platform/config"
	"forecast_platform/models"
)

// fakeAllocator hands out a fixed license and records compensations
type fakeAllocator struct {
	mu           sync.Mutex
	acquireErr   error
	acquired     int
	compensated  int
	lastHandle   models.LicenseHandle
	compensation []models.LicenseHandle
}

func (f *fakeAllocator) Acquire(ctx context.Context) (models.LicenseHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return models.LicenseHandle{}, f.acquireErr
	}
	f.acquired++
	f.lastHandle = models.LicenseHandle{LicenseID: "lic-test", Date: "2026-08-26"}
	return f.lastHandle, nil
}

func (f *fakeAllocator) Compensate(handle models.LicenseHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensated++
	f.compensation = append(f.compensation, handle)
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*DataFetcher, *fakeAllocator, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	alloc := &fakeAllocator{}
	cfg := &config.Config{MarketAPIURL: server.URL}
	return NewDataFetcher(cfg, nil, alloc), alloc, server
}

func TestFetchRealtimeQuoteSuccess(t *testing.T) {
	var gotLicense, gotCode string
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotLicense = r.URL.Query().Get("license")
		gotCode = r.URL.Query().Get("code")
		w.Write([]byte(`{"code":"SH600000","price":"12.34","change":"-0.12","volume":1000}`))
	})

	quote, err := fetcher.FetchRealtimeQuote(context.Background(), "600000")
	require.NoError(t, err)

	assert.Equal(t, "SH600000", quote.StockCode)
	assert.Equal(t, "12.34", quote.Price.String())
	assert.Equal(t, "-0.12", quote.Change.String())

	assert.Equal(t, "lic-test", gotLicense)
	assert.Equal(t, "SH600000", gotCode)
	assert.Equal(t, 1, alloc.acquired)
	assert.Equal(t, 0, alloc.compensated, "successful call must not compensate")
}

func TestFetchRealtimeQuoteCompensatesOnHTTPError(t *testing.T) {
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := fetcher.FetchRealtimeQuote(context.Background(), "600000")
	require.Error(t, err)

	assert.Equal(t, 1, alloc.acquired)
	assert.Equal(t, 1, alloc.compensated, "failed call must return its reservation")
	assert.Equal(t, alloc.lastHandle, alloc.compensation[0])
}

func TestFetchRealtimeQuoteCompensatesOnBadPrice(t *testing.T) {
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"SH600000","price":"not-a-number"}`))
	})

	_, err := fetcher.FetchRealtimeQuote(context.Background(), "600000")
	require.Error(t, err)
	assert.Equal(t, 1, alloc.compensated)
}

func TestFetchRealtimeQuoteNoLicense(t *testing.T) {
	called := false
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	alloc.acquireErr = context.DeadlineExceeded

	_, err := fetcher.FetchRealtimeQuote(context.Background(), "600000")
	require.Error(t, err)

	assert.False(t, called, "no upstream call without a license")
	assert.Equal(t, 0, alloc.compensated)
}

func TestFetchDailyClose(t *testing.T) {
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/close", r.URL.Path)
		w.Write([]byte(`{"code":"SZ000001","close":"9.87","volume":55,"date":"2026-08-25"}`))
	})

	row, err := fetcher.FetchDailyClose(context.Background(), "000001")
	require.NoError(t, err)

	assert.Equal(t, "SZ000001", row.StockCode)
	assert.Equal(t, "9.87", row.Close.String())
	assert.Equal(t, "2026-08-25", row.Date)
	assert.Equal(t, int64(55), row.Volume)
	assert.Equal(t, 0, alloc.compensated)
}

func TestFetchDailyCloseCompensatesEachFailure(t *testing.T) {
	fetcher, alloc, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		_, err := fetcher.FetchDailyClose(context.Background(), "600000")
		require.Error(t, err)
	}
	assert.Equal(t, 3, alloc.acquired)
	assert.Equal(t, 3, alloc.compensated)
}
