package licensemanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"forecast_platform/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests against a real MongoDB. Skipped unless MONGODB_URI
// is set, e.g. MONGODB_URI=mongodb://localhost:27017 go test ./...
func setupMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(ctx)
	})

	coll := client.Database("forecast_platform_test").
		Collection(fmt.Sprintf("license_usage_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coll.Drop(ctx)
	})

	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "license_id", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	require.NoError(t, err)

	return NewMongoStore(coll)
}

func TestMongoStoreReserveAndCap(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	date := today()

	// First reservation creates the record lazily
	outcome, err := store.TryReserve(ctx, "int-lic", date, 2)
	require.NoError(t, err)
	assert.Equal(t, ReserveGranted, outcome)

	outcome, err = store.TryReserve(ctx, "int-lic", date, 2)
	require.NoError(t, err)
	assert.Equal(t, ReserveGranted, outcome)

	// Cap reached now
	outcome, err = store.TryReserve(ctx, "int-lic", date, 2)
	require.NoError(t, err)
	assert.Equal(t, ReserveCapReached, outcome)

	records, err := store.Usage(ctx, date)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].UsageCount)
	assert.Equal(t, 2, records[0].DailyLimit)
}

func TestMongoStoreConcurrentReservations(t *testing.T) {
	store := setupMongoStore(t)
	date := today()
	const limit = 10
	const callers = 30

	require.NoError(t, store.EnsureDay(context.Background(),
		map[string]int{"int-lic": limit}, date))

	var wg sync.WaitGroup
	granted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.TryReserve(context.Background(), "int-lic", date, limit)
			if err == nil && outcome == ReserveGranted {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	// The conditional increment never overshoots the cap
	assert.Equal(t, limit, len(granted))

	records, err := store.Usage(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, limit, records[0].UsageCount)
}

func TestMongoStoreReleaseFloor(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	date := today()

	outcome, err := store.TryReserve(ctx, "int-lic", date, 5)
	require.NoError(t, err)
	require.Equal(t, ReserveGranted, outcome)

	released, err := store.Release(ctx, "int-lic", date)
	require.NoError(t, err)
	assert.True(t, released)

	// Already back to zero; further releases are no-ops
	released, err = store.Release(ctx, "int-lic", date)
	require.NoError(t, err)
	assert.False(t, released)

	records, err := store.Usage(ctx, date)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].UsageCount)
}

func TestMongoStoreEnsureDayDoesNotClobber(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	date := today()

	outcome, err := store.TryReserve(ctx, "int-lic", date, 5)
	require.NoError(t, err)
	require.Equal(t, ReserveGranted, outcome)

	// A racing rollover must leave the existing count alone
	require.NoError(t, store.EnsureDay(ctx, map[string]int{"int-lic": 5, "int-other": 5}, date))

	records, err := store.Usage(ctx, date)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, rec := range records {
		counts[rec.LicenseID] = rec.UsageCount
	}
	assert.Equal(t, map[string]int{"int-lic": 1, "int-other": 0}, counts)
}

func TestMongoStoreRegistryEnumeration(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	date := today()

	require.NoError(t, store.EnsureDay(ctx, map[string]int{"lic-b": 3, "lic-a": 7}, date))

	licenses, err := store.Licenses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lic-a", "lic-b"}, licenses)

	limit, err := store.LatestLimit(ctx, "lic-a")
	require.NoError(t, err)
	assert.Equal(t, 7, limit)

	// Unknown license falls back to the default
	limit, err = store.LatestLimit(ctx, "lic-unknown")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDailyLimit, limit)
}
