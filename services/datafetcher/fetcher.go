// Package datafetcher pulls market and weather data from the upstream
// APIs and persists it to MongoDB. Market calls consume licensed quota:
// each request reserves a license before the call and compensates the
// reservation when the call fails.
package datafetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"forecast_platform/config"
	"forecast_platform/models"
	"forecast_platform/services"
	"forecast_platform/services/licensemanager"
	"github.com/shopspring/decimal"
)

// LicenseAllocator is the slice of the license manager the fetcher
// needs: reserve quota before a call, give it back after a failed one.
type LicenseAllocator interface {
	Acquire(ctx context.Context) (models.LicenseHandle, error)
	Compensate(handle models.LicenseHandle)
}

// DataFetcher fetches market data from the licensed upstream API
type DataFetcher struct {
	cfg        *config.Config
	mongo      *services.MongoDBClient
	licenses   LicenseAllocator
	httpClient *http.Client
	baseURL    string
}

// NewDataFetcher creates a new data fetcher instance
func NewDataFetcher(cfg *config.Config, mongo *services.MongoDBClient, licenses LicenseAllocator) *DataFetcher {
	return &DataFetcher{
		cfg:      cfg,
		mongo:    mongo,
		licenses: licenses,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: cfg.MarketAPIURL,
	}
}

// quoteResponse is the upstream quote payload. Prices arrive as strings
// and are parsed as decimals to avoid float drift.
type quoteResponse struct {
	Code   string `json:"code"`
	Price  string `json:"price"`
	Change string `json:"change"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
	Date   string `json:"date"`
}

// FetchRealtimeQuote fetches the current quote for a stock. A license
// is reserved for the call and compensated if the call fails, so a
// transient upstream error does not burn quota.
func (df *DataFetcher) FetchRealtimeQuote(ctx context.Context, stockCode string) (*models.CurrentPrice, error) {
	stockCode = services.NormalizeStockCode(stockCode)

	handle, err := df.licenses.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("no license available for quote fetch: %w", err)
	}

	quote, err := df.callQuoteAPI(ctx, "/quote", stockCode, handle.LicenseID)
	if err != nil {
		df.licenses.Compensate(handle)
		return nil, fmt.Errorf("quote fetch for %s failed: %w", stockCode, err)
	}

	price, err := decimal.NewFromString(quote.Price)
	if err != nil {
		df.licenses.Compensate(handle)
		return nil, fmt.Errorf("quote fetch for %s returned bad price %q: %w", stockCode, quote.Price, err)
	}
	change := decimal.Zero
	if quote.Change != "" {
		if parsed, err := decimal.NewFromString(quote.Change); err == nil {
			change = parsed
		}
	}

	return &models.CurrentPrice{
		StockCode: stockCode,
		Price:     price,
		Change:    change,
	}, nil
}

// FetchDailyClose fetches the latest daily close for a stock
func (df *DataFetcher) FetchDailyClose(ctx context.Context, stockCode string) (*models.ClosePrice, error) {
	stockCode = services.NormalizeStockCode(stockCode)

	handle, err := df.licenses.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("no license available for close fetch: %w", err)
	}

	quote, err := df.callQuoteAPI(ctx, "/close", stockCode, handle.LicenseID)
	if err != nil {
		df.licenses.Compensate(handle)
		return nil, fmt.Errorf("close fetch for %s failed: %w", stockCode, err)
	}

	closePrice, err := decimal.NewFromString(quote.Close)
	if err != nil {
		df.licenses.Compensate(handle)
		return nil, fmt.Errorf("close fetch for %s returned bad close %q: %w", stockCode, quote.Close, err)
	}

	date := quote.Date
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}

	return &models.ClosePrice{
		StockCode: stockCode,
		Date:      date,
		Close:     closePrice,
		Volume:    quote.Volume,
	}, nil
}

// callQuoteAPI performs one licensed request against the market API
func (df *DataFetcher) callQuoteAPI(ctx context.Context, path, stockCode, license string) (*quoteResponse, error) {
	endpoint := fmt.Sprintf("%s%s?code=%s&license=%s",
		df.baseURL, path, url.QueryEscape(stockCode), url.QueryEscape(license))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := df.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var quote quoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return &quote, nil
}

// CollectQuotes fetches and persists realtime quotes for all codes.
// Per-stock failures are logged and counted, not fatal.
func (df *DataFetcher) CollectQuotes(ctx context.Context, stockCodes []string) (succeeded, failed int) {
	for _, code := range stockCodes {
		quote, err := df.FetchRealtimeQuote(ctx, code)
		if err != nil {
			log.Printf("Error fetching quote for %s: %v", code, err)
			failed++
			continue
		}
		if err := df.mongo.InsertCurrentPrice(ctx, quote); err != nil {
			log.Printf("Error saving quote for %s: %v", code, err)
			failed++
			continue
		}
		succeeded++
	}
	log.Printf("Collected realtime quotes: %d ok, %d failed", succeeded, failed)
	return succeeded, failed
}

// CollectDailyCloses fetches and persists daily closes for all codes
func (df *DataFetcher) CollectDailyCloses(ctx context.Context, stockCodes []string) (succeeded, failed int) {
	for _, code := range stockCodes {
		row, err := df.FetchDailyClose(ctx, code)
		if err != nil {
			log.Printf("Error fetching close for %s: %v", code, err)
			failed++
			continue
		}
		if err := df.mongo.SaveClosePrice(ctx, row); err != nil {
			log.Printf("Error saving close for %s: %v", code, err)
			failed++
			continue
		}
		succeeded++
	}
	log.Printf("Collected daily closes: %d ok, %d failed", succeeded, failed)
	return succeeded, failed
}

var _ LicenseAllocator = (*licensemanager.Manager)(nil)
