package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"forecast_platform/config"
	"forecast_platform/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBClient handles the MongoDB connection and the document
// collections used by the platform (license quotas, market data,
// weather rows, signal events).
type MongoDBClient struct {
	client      *mongo.Client
	database    *mongo.Database
	cfg         *config.Config
	mu          sync.RWMutex
	isConnected bool
	lastError   string
}

// Global MongoDB client instance
var GlobalMongoClient *MongoDBClient

// NewMongoDBClient creates a client for the configured MongoDB deployment.
// Connect must be called before use.
func NewMongoDBClient(cfg *config.Config) *MongoDBClient {
	return &MongoDBClient{cfg: cfg}
}

// InitMongoDBClient initializes the global MongoDB client
func InitMongoDBClient(cfg *config.Config) error {
	GlobalMongoClient = NewMongoDBClient(cfg)
	return GlobalMongoClient.Connect()
}

// Connect establishes the MongoDB connection and prepares indexes
func (m *MongoDBClient) Connect() error {
	uri := m.cfg.MongoURI
	if !strings.HasPrefix(uri, "mongodb") {
		m.lastError = "MONGODB_HOST must be a full connection string (mongodb:// or mongodb+srv://)"
		return fmt.Errorf("%s", m.lastError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(m.cfg.MongoMaxPoolSize).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetAppName("forecast-platform")

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		m.lastError = fmt.Sprintf("Failed to connect: %v", err)
		log.Printf("Failed to connect to MongoDB: %v", err)
		return err
	}

	// Verify connection with ping
	if err := client.Ping(ctx, nil); err != nil {
		m.lastError = fmt.Sprintf("Failed to ping: %v", err)
		log.Printf("Failed to ping MongoDB: %v", err)
		client.Disconnect(ctx)
		return err
	}

	m.mu.Lock()
	m.client = client
	m.database = client.Database(m.cfg.MongoDBName)
	m.isConnected = true
	m.lastError = ""
	m.mu.Unlock()

	m.createIndexes()

	log.Printf("MongoDB connected: database=%s", m.cfg.MongoDBName)
	return nil
}

// Reconnect attempts to reconnect to MongoDB
func (m *MongoDBClient) Reconnect() error {
	m.mu.Lock()
	if m.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.client.Disconnect(ctx)
		cancel()
	}
	m.isConnected = false
	m.mu.Unlock()

	return m.Connect()
}

// IsConfigured returns whether the client is connected
func (m *MongoDBClient) IsConfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnected
}

// GetLastError returns the last connection error
func (m *MongoDBClient) GetLastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Close closes the MongoDB connection
func (m *MongoDBClient) Close() error {
	if m.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return m.client.Disconnect(ctx)
	}
	return nil
}

// Collection returns a raw collection handle by name
func (m *MongoDBClient) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// LicenseCollection returns the license_usage collection
func (m *MongoDBClient) LicenseCollection() *mongo.Collection {
	return m.database.Collection(m.cfg.LicenseCollection)
}

// createIndexes creates the uniqueness constraints the write paths rely on
func (m *MongoDBClient) createIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// At most one usage record per (license_id, date). The reservation
	// protocol's insert path depends on this index to detect races.
	licenses := m.database.Collection(m.cfg.LicenseCollection)
	_, err := licenses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "license_id", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Printf("Warning: failed to create license_usage index: %v", err)
	}

	// One weather row per (city, time)
	weather := m.database.Collection(m.cfg.WeatherCollection)
	_, err = weather.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "city", Value: 1}, {Key: "time", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Printf("Warning: failed to create weather index: %v", err)
	}

	// One close row per (stock_code, date)
	closes := m.database.Collection(m.cfg.CloseCollection)
	_, err = closes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stock_code", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Printf("Warning: failed to create stock_close index: %v", err)
	}

	log.Println("MongoDB indexes created")
}

// ==================== Market Data Operations ====================

// NormalizeStockCode uppercases a raw code and prefixes the exchange for
// bare 6-digit mainland codes.
func NormalizeStockCode(raw string) string {
	sanitized := strings.ToUpper(strings.TrimSpace(raw))
	if sanitized == "" {
		return ""
	}
	if strings.ContainsAny(sanitized, ".-") {
		return sanitized
	}

	digits := make([]rune, 0, len(sanitized))
	for _, r := range sanitized {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 6 {
		switch digits[0] {
		case '6':
			return "SH" + string(digits)
		case '0', '3':
			return "SZ" + string(digits)
		}
	}

	return sanitized
}

// stockFilter matches any of the code field spellings used upstream
func stockFilter(stockCode string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"stock_code": stockCode},
		bson.M{"symbol": stockCode},
		bson.M{"code": stockCode},
	}}
}

// FetchCloseHistory returns up to limit historical closes for a stock,
// oldest first.
func (m *MongoDBClient) FetchCloseHistory(ctx context.Context, stockCode string, limit int) ([]float64, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}

	collection := m.database.Collection(m.cfg.CloseCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, stockFilter(stockCode), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query close history for %s: %w", stockCode, err)
	}
	defer cursor.Close(ctx)

	var prices []float64
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		if price, ok := extractPrice(doc); ok {
			prices = append(prices, price)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	if len(prices) == 0 {
		log.Printf("No close records found for %s", stockCode)
		return nil, nil
	}

	// Query is newest-first; callers want chronological order
	for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
		prices[i], prices[j] = prices[j], prices[i]
	}
	return prices, nil
}

// FetchCurrentPrice returns the latest realtime price for a stock, or
// (0, false) when no quote exists.
func (m *MongoDBClient) FetchCurrentPrice(ctx context.Context, stockCode string) (float64, bool, error) {
	if !m.IsConfigured() {
		return 0, false, fmt.Errorf("MongoDB not configured")
	}

	collection := m.database.Collection(m.cfg.CurrentCollection)
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})

	var doc bson.M
	err := collection.FindOne(ctx, stockFilter(stockCode), opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			log.Printf("No realtime quote found for %s", stockCode)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query current price for %s: %w", stockCode, err)
	}

	price, ok := extractPrice(doc)
	return price, ok, nil
}

// extractPrice pulls a price out of a document regardless of which field
// spelling the upstream used.
func extractPrice(doc bson.M) (float64, bool) {
	for _, key := range []string{"close", "price", "p", "last", "c", "current", "value"} {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int32:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

// LoadWatchedStocks returns the watch list driving the signal monitors
func (m *MongoDBClient) LoadWatchedStocks(ctx context.Context) ([]models.WatchedStock, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}

	collection := m.database.Collection(m.cfg.WatchCollection)
	cursor, err := collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load watch list: %w", err)
	}
	defer cursor.Close(ctx)

	var watched []models.WatchedStock
	if err := cursor.All(ctx, &watched); err != nil {
		return nil, fmt.Errorf("failed to decode watch list: %w", err)
	}
	return watched, nil
}

// InsertSignalEvent records a triggered alert in the signal collection
func (m *MongoDBClient) InsertSignalEvent(ctx context.Context, event *models.SignalEvent) error {
	if !m.IsConfigured() {
		return fmt.Errorf("MongoDB not configured")
	}

	collection := m.database.Collection(m.cfg.SignalCollection)
	if _, err := collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to record signal event: %w", err)
	}
	log.Printf("Recorded signal event: %s %s", event.StockCode, event.AlertType)
	return nil
}

// ListSignalEvents returns signal events for a given alert date, newest first
func (m *MongoDBClient) ListSignalEvents(ctx context.Context, alertDate string, limit int) ([]models.SignalEvent, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}

	filter := bson.M{}
	if alertDate != "" {
		filter["alert_date"] = alertDate
	}

	collection := m.database.Collection(m.cfg.SignalCollection)
	opts := options.Find().SetSort(bson.D{{Key: "alert_time", Value: -1}}).SetLimit(int64(limit))
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []models.SignalEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode signal events: %w", err)
	}
	return events, nil
}
