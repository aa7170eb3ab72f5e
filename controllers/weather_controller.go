package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"forecast_platform/config"
	"forecast_platform/services"
	"forecast_platform/services/datafetcher"
	"forecast_platform/services/signals"
)

// WeatherController serves stored weather rows and triggers collection
// and monitor runs
type WeatherController struct {
	cfg     *config.Config
	mongo   *services.MongoDBClient
	weather *datafetcher.WeatherFetcher
}

// NewWeatherController creates a new weather controller
func NewWeatherController(cfg *config.Config, mongo *services.MongoDBClient, weather *datafetcher.WeatherFetcher) *WeatherController {
	return &WeatherController{cfg: cfg, mongo: mongo, weather: weather}
}

// GetWeather returns the newest stored hourly rows for a city
// GET /api/v1/weather/:city
func (ctrl *WeatherController) GetWeather(c *gin.Context) {
	city := c.Param("city")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "48"))

	rows, err := ctrl.mongo.ListWeatherRows(c.Request.Context(), city, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no weather data for city", "city": city})
		return
	}
	c.JSON(http.StatusOK, gin.H{"city": city, "count": len(rows), "rows": rows})
}

type weatherFetchRequest struct {
	Cities []string `json:"cities"`
	Days   int      `json:"days"`
}

// FetchWeather collects hourly forecasts for the requested cities,
// defaulting to the configured city list
// POST /api/v1/weather/fetch
func (ctrl *WeatherController) FetchWeather(c *gin.Context) {
	var req weatherFetchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	cities := req.Cities
	if len(cities) == 0 {
		cities = ctrl.cfg.WeatherCities
	}
	if len(cities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no cities requested or configured"})
		return
	}
	days := req.Days
	if days <= 0 {
		days = ctrl.cfg.WeatherDays
	}

	results := ctrl.weather.FetchCities(c.Request.Context(), cities, days)

	failed := 0
	for _, result := range results {
		if result.Status != "success" {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
		"failed":  failed,
	})
}

// RunMonitors runs the signal monitors on demand
// POST /api/v1/monitors/run
func RunMonitors(c *gin.Context) {
	if signals.GlobalSignalService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal service not initialized"})
		return
	}

	rsiReport, rsiErr := signals.GlobalSignalService.RunRSIMonitor(c.Request.Context())
	maReport, maErr := signals.GlobalSignalService.RunMACrossMonitor(c.Request.Context())

	if rsiErr != nil || maErr != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"rsi":      rsiReport,
			"ma_cross": maReport,
			"error":    firstError(rsiErr, maErr).Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rsi": rsiReport, "ma_cross": maReport})
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
