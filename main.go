package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"forecast_platform/config"
	"forecast_platform/connect"
	"forecast_platform/models"
	"forecast_platform/routes"
	"forecast_platform/scheduler"
	"forecast_platform/services"
	"forecast_platform/services/datafetcher"
	"forecast_platform/services/licensemanager"
	"forecast_platform/services/signals"
)

// servicesInitialized tracks whether the backing stores came up, so the
// /ready probe can report actual readiness while startup runs in the
// background.
var servicesInitialized bool
var initMutex sync.RWMutex

func main() {
	log.Println("==============================================")
	log.Println("  Forecast Platform - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Probes come up before the backing stores so the platform shows
	// alive while initialization runs
	setupHealthEndpoints(router)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	shutdownCtx, stop := context.WithCancel(context.Background())
	var jobScheduler *scheduler.Scheduler

	go func() {
		// Relational store: admin users and alert recipients
		db, err := config.InitDB()
		if err != nil {
			log.Printf("ERROR: Database connection failed: %v", err)
			log.Println("Service will continue in limited mode (health check only)")
			return
		}
		log.Println("Running database migrations...")
		if err := models.MigrateAdminModels(db); err != nil {
			log.Printf("ERROR: Migration failed: %v", err)
		}
		if err := models.SeedDefaultAdminUser(db); err != nil {
			log.Printf("Warning: Could not seed admin user: %v", err)
		}

		// Document store: market data, weather and license quotas
		if err := services.InitMongoDBClient(cfg); err != nil {
			log.Printf("ERROR: MongoDB connection failed: %v", err)
			return
		}
		mongo := services.GlobalMongoClient

		// Local state cache for the signal monitors
		if err := services.InitStateDB(); err != nil {
			log.Printf("ERROR: State DB init failed: %v", err)
			return
		}

		// License quota manager over the Mongo usage collection
		store := licensemanager.NewMongoStore(mongo.LicenseCollection())
		manager := licensemanager.NewManager(store)
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := manager.RefreshRegistry(refreshCtx); err != nil {
			log.Printf("Warning: License registry load failed, first acquire will retry: %v", err)
		}
		cancel()

		notifier := services.NewNotifierFromConfig(cfg)
		fetcher := datafetcher.NewDataFetcher(cfg, mongo, manager)
		weather := datafetcher.NewWeatherFetcher(cfg, mongo)
		signals.InitSignalService(mongo, services.GlobalStateDB, notifier, db)

		routes.SetupRoutes(router, cfg, db, mongo, manager, fetcher, weather)

		sched := scheduler.NewScheduler(cfg, mongo, manager, fetcher, weather,
			signals.GlobalSignalService, services.GlobalStateDB, notifier)
		sched.Start()

		initMutex.Lock()
		servicesInitialized = true
		jobScheduler = sched
		initMutex.Unlock()

		// Work channel to the coordination server, when configured
		if cfg.ServerIP != "" {
			go runWorkClient(shutdownCtx, cfg, weather, stop)
		}

		log.Println("Application fully initialized")
	}()

	gracefulShutdown(server, &jobScheduler, shutdownCtx, stop)
}

// runWorkClient registers the module and serves dispatched jobs until
// shutdown
func runWorkClient(ctx context.Context, cfg *config.Config, weather *datafetcher.WeatherFetcher, stop context.CancelFunc) {
	hash, err := connect.LoadModuleHash()
	if err != nil {
		log.Printf("No stored module hash, registering: %v", err)
		hash, err = connect.RegisterModule(cfg, connect.DefaultModuleInfo)
		if err != nil {
			log.Printf("Module registration failed, work client disabled: %v", err)
			return
		}
	}

	router := connect.NewRouter("weather")
	router.Register("weather", func(ctx context.Context, args json.RawMessage) any {
		var req struct {
			Cities []string `json:"cities"`
			Days   int      `json:"days"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return map[string]any{"status": "error", "message": err.Error()}
			}
		}
		cities := req.Cities
		if len(cities) == 0 {
			cities = cfg.WeatherCities
		}
		results := weather.FetchCities(ctx, cities, req.Days)
		return map[string]any{"status": "success", "results": results}
	})
	router.Register("monitors", func(ctx context.Context, args json.RawMessage) any {
		rsiReport, rsiErr := signals.GlobalSignalService.RunRSIMonitor(ctx)
		maReport, maErr := signals.GlobalSignalService.RunMACrossMonitor(ctx)
		if rsiErr != nil || maErr != nil {
			return map[string]any{"status": "error", "rsi": rsiReport, "ma_cross": maReport}
		}
		return map[string]any{"status": "success", "rsi": rsiReport, "ma_cross": maReport}
	})

	client := connect.NewWorkClient(cfg, hash, router.Execute)
	if err := client.Run(ctx); errors.Is(err, connect.ErrShutdown) {
		log.Println("Work client received shutdown order, stopping service")
		stop()
	}
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Forecast Platform API",
			"version": "1.0.0",
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		initMutex.RLock()
		ready := servicesInitialized
		initMutex.RUnlock()

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Backing stores not connected",
			})
			return
		}

		if config.DB != nil {
			if sqlDB, err := config.DB.DB(); err != nil || sqlDB.Ping() != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not_ready",
					"message": "Database ping failed",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for probes to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown waits for a signal or internal stop and shuts the
// service down in order
func gracefulShutdown(server *http.Server, jobScheduler **scheduler.Scheduler, shutdownCtx context.Context, stop context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		stop()
	case <-shutdownCtx.Done():
		log.Println("Internal shutdown requested...")
	}

	initMutex.RLock()
	sched := *jobScheduler
	initMutex.RUnlock()
	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if services.GlobalStateDB != nil {
		services.GlobalStateDB.Close()
	}
	if services.GlobalMongoClient != nil {
		services.GlobalMongoClient.Close()
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
			log.Println("Database connection closed")
		}
	}

	log.Println("Server shutdown completed")
}
