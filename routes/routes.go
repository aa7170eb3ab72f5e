package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"forecast_platform/config"
	"forecast_platform/controllers"
	"forecast_platform/middleware"
	"forecast_platform/services"
	"forecast_platform/services/datafetcher"
	"forecast_platform/services/licensemanager"
)

// SetupRoutes sets up all API routes
func SetupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	db *gorm.DB,
	mongo *services.MongoDBClient,
	manager *licensemanager.Manager,
	fetcher *datafetcher.DataFetcher,
	weather *datafetcher.WeatherFetcher,
) {
	authController := controllers.NewAuthController(db)
	licenseController := controllers.NewLicenseController(manager)
	marketController := controllers.NewMarketController(mongo, fetcher)
	weatherController := controllers.NewWeatherController(cfg, mongo, weather)

	// API v1 group
	api := router.Group("/api/v1")
	{
		// Authentication
		auth := api.Group("/auth")
		{
			auth.POST("/login", middleware.LoginRateLimitMiddleware(), authController.Login)
			auth.GET("/me", middleware.JWTAuthMiddleware(), authController.Me)
		}

		// Public market data
		stocks := api.Group("/stocks")
		{
			stocks.GET("/:code/closes", marketController.GetCloseHistory)
			stocks.GET("/:code/quote", marketController.GetQuote)
		}
		api.GET("/weather/:city", weatherController.GetWeather)
		api.GET("/watchlist", marketController.GetWatchlist)
		api.GET("/signals", marketController.GetSignals)

		// Authenticated operations
		protected := api.Group("", middleware.JWTAuthMiddleware())
		{
			protected.POST("/stocks/:code/fetch", marketController.FetchQuote)
			protected.POST("/weather/fetch", weatherController.FetchWeather)
			protected.POST("/monitors/run", controllers.RunMonitors)

			licenses := protected.Group("/licenses")
			{
				licenses.GET("/usage", licenseController.GetUsage)
				licenses.POST("/refresh", licenseController.RefreshRegistry)
				licenses.POST("/test-acquire", licenseController.TestAcquire)
			}

			recipients := protected.Group("/auth/recipients")
			{
				recipients.GET("", authController.ListRecipients)
				recipients.POST("", authController.CreateRecipient)
				recipients.DELETE("/:id", middleware.SuperadminMiddleware(), authController.DeleteRecipient)
			}
		}
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		status := gin.H{
			"status":  "ok",
			"message": "Forecast Platform API is running",
		}
		if mongo != nil && !mongo.IsConfigured() {
			status["status"] = "degraded"
			status["mongodb"] = mongo.GetLastError()
		}
		c.JSON(200, status)
	})
}
