package licensemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"forecast_platform/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Per-attempt timeout for quota store round-trips. Timeouts are treated
// as conflicts so the allocator can retry or rotate instead of blocking.
const storeOpTimeout = 5 * time.Second

// MongoStore implements Store on a MongoDB collection holding one
// document per (license_id, date). A unique compound index on the pair
// must exist; the insert path of TryReserve relies on it to detect
// concurrent first-use races.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps the license usage collection
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// TryReserve performs the test-and-increment for a single license. The
// conditional update carries the cap check in its filter, so two callers
// can never jointly push usage_count past daily_limit.
func (s *MongoStore) TryReserve(ctx context.Context, licenseID, date string, limit int) (ReserveOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	filter := bson.M{
		"license_id": licenseID,
		"date":       date,
		"$expr":      bson.M{"$lt": bson.A{"$usage_count", "$daily_limit"}},
	}
	update := bson.M{
		"$inc":         bson.M{"usage_count": 1},
		"$currentDate": bson.M{"last_updated": true},
	}

	err := s.coll.FindOneAndUpdate(ctx, filter, update).Err()
	if err == nil {
		return ReserveGranted, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return classifyStoreError("conditional increment", licenseID, err)
	}

	// No document matched: the record is either at cap or absent.
	err = s.coll.FindOne(ctx, bson.M{"license_id": licenseID, "date": date}).Err()
	switch {
	case err == nil:
		return ReserveCapReached, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		// First use of this license today; create the record with the
		// reservation already counted.
	default:
		return classifyStoreError("read record", licenseID, err)
	}

	_, err = s.coll.InsertOne(ctx, models.LicenseUsageRecord{
		LicenseID:   licenseID,
		Date:        date,
		UsageCount:  1,
		DailyLimit:  limit,
		LastUpdated: time.Now(),
	})
	if err == nil {
		return ReserveGranted, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// Lost the insert race to a concurrent writer. The record now
		// exists, so a retry of this candidate will take the increment
		// path.
		return ReserveConflict, nil
	}
	return classifyStoreError("insert record", licenseID, err)
}

// Release decrements the usage counter if it is positive. The guard in
// the filter keeps the counter from going below zero no matter how the
// call interleaves with reservations.
func (s *MongoStore) Release(ctx context.Context, licenseID, date string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	filter := bson.M{
		"license_id":  licenseID,
		"date":        date,
		"usage_count": bson.M{"$gt": 0},
	}
	update := bson.M{
		"$inc":         bson.M{"usage_count": -1},
		"$currentDate": bson.M{"last_updated": true},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("decrement usage for %s: %w", models.TruncateLicense(licenseID), err)
	}
	return res.ModifiedCount > 0, nil
}

// EnsureDay batch-creates zeroed records for the given licenses on the
// given date. $setOnInsert with upsert never touches a record another
// process created first, so concurrent rollovers converge on one
// canonical record per pair.
func (s *MongoStore) EnsureDay(ctx context.Context, limits map[string]int, date string) error {
	if len(limits) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	writes := make([]mongo.WriteModel, 0, len(limits))
	now := time.Now()
	for licenseID, limit := range limits {
		if limit <= 0 {
			limit = models.DefaultDailyLimit
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"license_id": licenseID, "date": date}).
			SetUpdate(bson.M{"$setOnInsert": bson.M{
				"usage_count":  0,
				"daily_limit":  limit,
				"last_updated": now,
			}}).
			SetUpsert(true))
	}

	_, err := s.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("day rollover bulk write: %w", err)
	}
	return nil
}

// Licenses enumerates distinct license ids, sorted for deterministic
// rotation order.
func (s *MongoStore) Licenses(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	values, err := s.coll.Distinct(ctx, "license_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("enumerate licenses: %w", err)
	}

	licenses := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			licenses = append(licenses, id)
		}
	}
	sort.Strings(licenses)
	return licenses, nil
}

// LatestLimit reads the daily limit from the most recent record for the
// license, falling back to the default when the license has no history.
func (s *MongoStore) LatestLimit(ctx context.Context, licenseID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	opts := options.FindOne().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetProjection(bson.M{"daily_limit": 1})

	var rec models.LicenseUsageRecord
	err := s.coll.FindOne(ctx, bson.M{"license_id": licenseID}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.DefaultDailyLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read latest limit for %s: %w", models.TruncateLicense(licenseID), err)
	}
	if rec.DailyLimit <= 0 {
		return models.DefaultDailyLimit, nil
	}
	return rec.DailyLimit, nil
}

// Usage returns all usage records for a date, sorted by license id
func (s *MongoStore) Usage(ctx context.Context, date string) ([]models.LicenseUsageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "license_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"date": date}, opts)
	if err != nil {
		return nil, fmt.Errorf("read usage for %s: %w", date, err)
	}
	defer cursor.Close(ctx)

	var records []models.LicenseUsageRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode usage for %s: %w", date, err)
	}
	return records, nil
}

// classifyStoreError maps a driver error to an outcome using the
// driver's typed checks. Timeouts and transient transaction errors are
// conflicts the allocator may retry; anything else surfaces as a store
// failure.
func classifyStoreError(op, licenseID string, err error) (ReserveOutcome, error) {
	if mongo.IsTimeout(err) || isTransient(err) {
		return ReserveConflict, nil
	}
	return ReserveConflict, fmt.Errorf("%s for %s: %w", op, models.TruncateLicense(licenseID), err)
}

// isTransient reports whether the server labeled the error as retryable
func isTransient(err error) bool {
	var srvErr mongo.ServerError
	if !errors.As(err, &srvErr) {
		return false
	}
	return srvErr.HasErrorLabel("TransientTransactionError") ||
		srvErr.HasErrorLabel("RetryableWriteError")
}
