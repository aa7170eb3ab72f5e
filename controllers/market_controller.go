package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"forecast_platform/services"
	"forecast_platform/services/datafetcher"
)

// MarketController exposes the collected market data
type MarketController struct {
	mongo   *services.MongoDBClient
	fetcher *datafetcher.DataFetcher
}

// NewMarketController creates a new market controller
func NewMarketController(mongo *services.MongoDBClient, fetcher *datafetcher.DataFetcher) *MarketController {
	return &MarketController{mongo: mongo, fetcher: fetcher}
}

// GetCloseHistory returns recent daily closes for a stock
// GET /api/v1/stocks/:code/closes
func (ctrl *MarketController) GetCloseHistory(c *gin.Context) {
	code := services.NormalizeStockCode(c.Param("code"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))

	rows, err := ctrl.mongo.ListClosePrices(c.Request.Context(), code, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stock_code": code,
		"closes":     rows,
		"count":      len(rows),
	})
}

// GetQuote returns the latest stored realtime quote for a stock
// GET /api/v1/stocks/:code/quote
func (ctrl *MarketController) GetQuote(c *gin.Context) {
	code := services.NormalizeStockCode(c.Param("code"))

	quote, err := ctrl.mongo.LatestCurrentPrice(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no quote stored for " + code})
		return
	}
	c.JSON(http.StatusOK, quote)
}

// FetchQuote fetches a fresh quote for a stock, consuming one unit of
// license quota
// POST /api/v1/stocks/:code/fetch
func (ctrl *MarketController) FetchQuote(c *gin.Context) {
	code := c.Param("code")

	quote, err := ctrl.fetcher.FetchRealtimeQuote(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := ctrl.mongo.InsertCurrentPrice(c.Request.Context(), quote); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, quote)
}

// GetWatchlist returns the watched stock list
// GET /api/v1/watchlist
func (ctrl *MarketController) GetWatchlist(c *gin.Context) {
	watched, err := ctrl.mongo.LoadWatchedStocks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stocks": watched, "count": len(watched)})
}

// GetSignals returns recorded signal events
// GET /api/v1/signals
func (ctrl *MarketController) GetSignals(c *gin.Context) {
	alertDate := c.Query("date")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, err := ctrl.mongo.ListSignalEvents(c.Request.Context(), alertDate, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": events, "count": len(events)})
}
