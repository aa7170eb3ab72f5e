package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"forecast_platform/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ==================== Weather Data Operations ====================

// existingWeatherTimes returns which of the given timestamps already
// have a row for the city. Batched so a 240-hour fetch costs one query.
func (m *MongoDBClient) existingWeatherTimes(ctx context.Context, city string, times []string) (map[string]bool, error) {
	if len(times) == 0 {
		return map[string]bool{}, nil
	}

	collection := m.database.Collection(m.cfg.WeatherCollection)
	opts := options.Find().SetProjection(bson.M{"time": 1, "_id": 0})
	cursor, err := collection.Find(ctx, bson.M{
		"city": city,
		"time": bson.M{"$in": times},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing weather rows: %w", err)
	}
	defer cursor.Close(ctx)

	existing := make(map[string]bool)
	for cursor.Next(ctx) {
		var doc struct {
			Time string `bson:"time"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		existing[doc.Time] = true
	}
	return existing, cursor.Err()
}

// SaveWeatherRows inserts the rows that do not exist yet and skips the
// rest. Concurrent fetchers racing on the same city converge through
// the unique (city, time) index: a bulk insert hitting duplicates falls
// back to row-wise inserts that ignore the duplicate errors.
func (m *MongoDBClient) SaveWeatherRows(ctx context.Context, city string, rows []models.WeatherHourly) (inserted, skipped int, err error) {
	if !m.IsConfigured() {
		return 0, 0, fmt.Errorf("MongoDB not configured")
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	times := make([]string, 0, len(rows))
	for _, row := range rows {
		times = append(times, row.Time)
	}
	existing, err := m.existingWeatherTimes(ctx, city, times)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	var docs []interface{}
	for _, row := range rows {
		if existing[row.Time] {
			skipped++
			continue
		}
		row.City = city
		row.CreatedAt = now
		docs = append(docs, row)
	}

	if len(docs) == 0 {
		return 0, skipped, nil
	}

	collection := m.database.Collection(m.cfg.WeatherCollection)
	res, err := collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		inserted = len(res.InsertedIDs)
		log.Printf("City %q: inserted %d new weather rows", city, inserted)
		return inserted, skipped, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return 0, skipped, fmt.Errorf("failed to save weather rows for %q: %w", city, err)
	}

	// Concurrent writer slipped in between the existence check and the
	// bulk insert; retry row by row and let the index arbitrate.
	log.Printf("City %q: duplicate rows detected, retrying row-wise", city)
	inserted = 0
	for _, doc := range docs {
		if _, err := collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				skipped++
				continue
			}
			log.Printf("Failed to insert weather row for %q: %v", city, err)
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

// ListWeatherRows returns the newest hourly rows for a city, newest
// first
func (m *MongoDBClient) ListWeatherRows(ctx context.Context, city string, limit int) ([]models.WeatherHourly, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}
	if limit <= 0 {
		limit = 48
	}

	collection := m.database.Collection(m.cfg.WeatherCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "time", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, bson.M{"city": city}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list weather rows for %q: %w", city, err)
	}
	defer cursor.Close(ctx)

	var rows []models.WeatherHourly
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveClosePrice upserts one daily close row
func (m *MongoDBClient) SaveClosePrice(ctx context.Context, row *models.ClosePrice) error {
	if !m.IsConfigured() {
		return fmt.Errorf("MongoDB not configured")
	}

	row.CreatedAt = time.Now()
	collection := m.database.Collection(m.cfg.CloseCollection)
	opts := options.Replace().SetUpsert(true)
	_, err := collection.ReplaceOne(ctx,
		bson.M{"stock_code": row.StockCode, "date": row.Date}, row, opts)
	if err != nil {
		return fmt.Errorf("failed to save close for %s: %w", row.StockCode, err)
	}
	return nil
}

// ListClosePrices returns the newest close rows for a stock, newest
// first
func (m *MongoDBClient) ListClosePrices(ctx context.Context, stockCode string, limit int) ([]models.ClosePrice, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}
	if limit <= 0 {
		limit = 30
	}

	collection := m.database.Collection(m.cfg.CloseCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, bson.M{"stock_code": stockCode}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list closes for %s: %w", stockCode, err)
	}
	defer cursor.Close(ctx)

	var rows []models.ClosePrice
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestCurrentPrice returns the most recent realtime quote for a stock
func (m *MongoDBClient) LatestCurrentPrice(ctx context.Context, stockCode string) (*models.CurrentPrice, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("MongoDB not configured")
	}

	collection := m.database.Collection(m.cfg.CurrentCollection)
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})

	var row models.CurrentPrice
	err := collection.FindOne(ctx, bson.M{"stock_code": stockCode}, opts).Decode(&row)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertCurrentPrice appends one realtime quote row
func (m *MongoDBClient) InsertCurrentPrice(ctx context.Context, row *models.CurrentPrice) error {
	if !m.IsConfigured() {
		return fmt.Errorf("MongoDB not configured")
	}

	row.FetchedAt = time.Now()
	collection := m.database.Collection(m.cfg.CurrentCollection)
	if _, err := collection.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("failed to insert quote for %s: %w", row.StockCode, err)
	}
	return nil
}
