package datafetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"forecast_platform/config"
	"forecast_platform/models"
	"forecast_platform/services"
)

const (
	weatherUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/111.0.0.0 Safari/537.36 Edg/111.0.1661.41"
	// Upper bound on concurrent city fetches to keep the upstream happy
	maxCityWorkers = 5
)

// WeatherFetcher pulls hourly forecasts from the MSN weather API and
// stores them deduplicated per (city, time).
type WeatherFetcher struct {
	cfg        *config.Config
	mongo      *services.MongoDBClient
	httpClient *http.Client
}

// NewWeatherFetcher creates a weather fetcher
func NewWeatherFetcher(cfg *config.Config, mongo *services.MongoDBClient) *WeatherFetcher {
	return &WeatherFetcher{
		cfg:   cfg,
		mongo: mongo,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// msnObservation is one hourly data point in the MSN payload
type msnObservation struct {
	Created    string   `json:"created"`
	Valid      string   `json:"valid"`
	Baro       *float64 `json:"baro"`
	Cap        *string  `json:"cap"`
	DewPt      *float64 `json:"dewPt"`
	Temp       *float64 `json:"temp"`
	UTCI       *float64 `json:"utci"`
	Vis        *float64 `json:"vis"`
	WindSpd    *float64 `json:"windSpd"`
	WindDir    *float64 `json:"windDir"`
	CloudCover *float64 `json:"cloudCover"`
}

// msnOverviewResponse mirrors the nesting of the MSN overview endpoint
type msnOverviewResponse struct {
	Value []struct {
		Responses []struct {
			Weather []struct {
				Current  msnObservation `json:"current"`
				Forecast struct {
					Days []struct {
						Hourly []msnObservation `json:"hourly"`
					} `json:"days"`
				} `json:"forecast"`
			} `json:"weather"`
		} `json:"responses"`
	} `json:"value"`
}

// CityResult summarizes one city's fetch
type CityResult struct {
	City     string `json:"city"`
	Status   string `json:"status"` // success, failed
	Inserted int    `json:"inserted_count,omitempty"`
	Skipped  int    `json:"skipped_count,omitempty"`
	Total    int    `json:"total_data_count,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FetchCity fetches and saves the hourly forecast for one city
func (wf *WeatherFetcher) FetchCity(ctx context.Context, city string, days int) CityResult {
	coords, ok := GetCityCoordinates(city)
	if !ok {
		return CityResult{City: city, Status: "failed", Error: "no coordinates for city"}
	}

	log.Printf("Fetching weather for %q (lat %.4f, lon %.4f)", city, coords.Lat, coords.Lon)

	rows, err := wf.fetchHourly(ctx, coords, days)
	if err != nil {
		return CityResult{City: city, Status: "failed", Error: err.Error()}
	}

	inserted, skipped, err := wf.mongo.SaveWeatherRows(ctx, city, rows)
	if err != nil {
		return CityResult{City: city, Status: "failed", Error: err.Error()}
	}

	log.Printf("City %q done: %d inserted, %d skipped (already stored)", city, inserted, skipped)
	return CityResult{
		City: city, Status: "success",
		Inserted: inserted, Skipped: skipped, Total: len(rows),
	}
}

// FetchCities fans out over the city list with a bounded worker pool
func (wf *WeatherFetcher) FetchCities(ctx context.Context, cities []string, days int) map[string]CityResult {
	workers := maxCityWorkers
	if len(cities) < workers {
		workers = len(cities)
	}

	jobs := make(chan string)
	var mu sync.Mutex
	results := make(map[string]CityResult, len(cities))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for city := range jobs {
				result := wf.FetchCity(ctx, city, days)
				mu.Lock()
				results[city] = result
				mu.Unlock()
			}
		}()
	}

	for _, city := range cities {
		jobs <- city
	}
	close(jobs)
	wg.Wait()

	return results
}

// fetchHourly calls the MSN overview endpoint and keeps only
// top-of-the-hour observations.
func (wf *WeatherFetcher) fetchHourly(ctx context.Context, coords Coordinates, days int) ([]models.WeatherHourly, error) {
	if days <= 0 {
		days = wf.cfg.WeatherDays
	}

	endpoint := fmt.Sprintf(
		"https://api.msn.cn/msn/v0/pages/weather/overview?apikey=%s&units=C&appId=%s&regionDataCount=20&days=%d&source=weather_csr&region=cn&market=zh-cn&locale=zh-cn&lat=%f&lon=%f",
		wf.cfg.WeatherAPIKey, wf.cfg.WeatherAppID, days, coords.Lat, coords.Lon,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", weatherUserAgent)

	resp, err := wf.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	rows, err := parseHourlyWeather(body, days)
	if err != nil {
		return nil, err
	}
	log.Printf("Collected %d top-of-hour observations", len(rows))
	return rows, nil
}

// parseHourlyWeather extracts hourly rows from an MSN overview payload
func parseHourlyWeather(body []byte, days int) ([]models.WeatherHourly, error) {
	var payload msnOverviewResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode weather response: %w", err)
	}
	if len(payload.Value) == 0 || len(payload.Value[0].Responses) == 0 ||
		len(payload.Value[0].Responses[0].Weather) == 0 {
		return nil, fmt.Errorf("weather response missing data")
	}

	weather := payload.Value[0].Responses[0].Weather[0]
	var rows []models.WeatherHourly

	// The current observation counts only when it falls on the hour
	if isTopOfHour(weather.Current.Created) {
		rows = append(rows, observationToRow(weather.Current, weather.Current.Created))
	}

	forecastDays := weather.Forecast.Days
	if days < len(forecastDays) {
		forecastDays = forecastDays[:days]
	}
	for _, day := range forecastDays {
		for _, hour := range day.Hourly {
			if hour.Valid == "" || !isTopOfHour(hour.Valid) {
				continue
			}
			rows = append(rows, observationToRow(hour, hour.Valid))
		}
	}

	return rows, nil
}

func observationToRow(obs msnObservation, timestamp string) models.WeatherHourly {
	return models.WeatherHourly{
		Time:       timestamp,
		Baro:       obs.Baro,
		Cap:        obs.Cap,
		DewPt:      obs.DewPt,
		Temp:       obs.Temp,
		UTCI:       obs.UTCI,
		Vis:        obs.Vis,
		WindSpd:    obs.WindSpd,
		WindDir:    obs.WindDir,
		CloudCover: obs.CloudCover,
	}
}

// isTopOfHour reports whether the timestamp falls on a full hour.
// Falls back to substring checks for timestamps RFC 3339 cannot parse.
func isTopOfHour(timestamp string) bool {
	if timestamp == "" {
		return false
	}
	if t, err := time.Parse(time.RFC3339, timestamp); err == nil {
		return t.Minute() == 0
	}
	return strings.Contains(timestamp, ":00:00") || strings.Contains(timestamp, ":00Z")
}
