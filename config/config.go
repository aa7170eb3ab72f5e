package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string

	// MongoDB (document store for market data and license quotas)
	MongoURI               string
	MongoDBName            string
	LicenseCollection      string
	CloseCollection        string
	CurrentCollection      string
	WatchCollection        string
	SignalCollection       string
	WeatherCollection      string
	MongoMaxPoolSize       uint64

	// Relational DB (admin users, alert recipients)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Orchestration server (work dispatch over websocket)
	ServerIP          string
	ServerPort        int
	HeartbeatInterval int

	// Notifier
	EmailSendURL     string
	EmailTimeout     int
	EmailContentType string
	SendgridAPIKey   string
	EmailFromName    string
	EmailFromAddr    string

	// Upstream data APIs
	WeatherAPIKey string
	WeatherAppID  string
	WeatherDays   int
	WeatherCities []string
	MarketAPIURL  string

	JWTSecret string
}

var AppConfig *Config
var DB *gorm.DB

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		MongoURI:          getEnv("MONGODB_HOST", ""),
		MongoDBName:       getEnv("MONGODB_DB_NAME", "forecast_platform"),
		LicenseCollection: getEnv("MONGODB_LICENSE_COLLECTION_NAME", "license_usage"),
		CloseCollection:   getEnv("MONGODB_CLOSE_COLLECTION_NAME", "stock_close"),
		CurrentCollection: getEnv("MONGODB_CURRENT_COLLECTION_NAME", "stock_current"),
		WatchCollection:   getEnv("MONGODB_WATCH_COLLECTION_NAME", "stock_watch"),
		SignalCollection:  getEnv("MONGODB_SIGNAL_COLLECTION_NAME", "signal"),
		WeatherCollection: getEnv("MONGODB_COLLECTION_NAME", "weather_hourly"),
		MongoMaxPoolSize:  uint64(getEnvInt("MONGODB_MAX_POOL_SIZE", 5)),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "forecast_platform"),

		ServerIP:          getEnv("SERVER_IP", ""),
		ServerPort:        getEnvInt("SERVER_PORT", 0),
		HeartbeatInterval: getEnvInt("HEARTBEAT_INTERVAL", 10),

		EmailSendURL:     getEnv("EMAIL_SEND_URL", "http://localhost:10101/send"),
		EmailTimeout:     getEnvInt("EMAIL_SEND_TIMEOUT", 10),
		EmailContentType: getEnv("EMAIL_SEND_CONTENT_TYPE", "text"),
		SendgridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "Forecast Platform"),
		EmailFromAddr:    getEnv("EMAIL_FROM_ADDR", "noreply@localhost"),

		WeatherAPIKey: getEnv("WEATHER_API_KEY", ""),
		WeatherAppID:  getEnv("WEATHER_APP_ID", ""),
		WeatherDays:   getEnvInt("WEATHER_DAYS", 10),
		WeatherCities: getEnvList("WEATHER_CITIES", []string{"武汉", "北京", "上海"}),
		MarketAPIURL:  getEnv("MARKET_API_URL", "https://api.example-market.com/v1"),

		JWTSecret: getEnv("JWT_SECRET", "your-secret-key"),
	}

	if config.MongoURI == "" {
		return nil, fmt.Errorf("MONGODB_HOST environment variable is required")
	}

	AppConfig = config
	return config, nil
}

// InitDB initializes the relational database connection
func InitDB() (*gorm.DB, error) {
	// Log connection info (masked for security)
	log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
		maskHost(AppConfig.DBHost),
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBName,
	)

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=prefer",
		AppConfig.DBHost,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBPort,
	)

	var logLevel logger.LogLevel
	if AppConfig.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})

	if err != nil {
		log.Printf("Database connection error: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Failed to get underlying database: %v", err)
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Printf("Database ping failed: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	DB = db
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvList gets a comma separated environment variable or returns a
// default value
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s: %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
