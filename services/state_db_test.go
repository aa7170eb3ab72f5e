package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStateDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := OpenStateDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateDBHistoryRoundTrip(t *testing.T) {
	db := openTestStateDB(t)

	_, ok := db.LoadHistory("rsi", "SH600000", "2026-08-26")
	assert.False(t, ok)

	db.SaveHistory("rsi", "SH600000", "2026-08-26", []float64{10.5, 11, 11.25})

	prices, ok := db.LoadHistory("rsi", "SH600000", "2026-08-26")
	require.True(t, ok)
	assert.Equal(t, []float64{10.5, 11, 11.25}, prices)
}

func TestStateDBHistoryStaleDateIsMiss(t *testing.T) {
	db := openTestStateDB(t)

	db.SaveHistory("rsi", "SH600000", "2026-08-25", []float64{10})

	_, ok := db.LoadHistory("rsi", "SH600000", "2026-08-26")
	assert.False(t, ok, "yesterday's cache must not serve today")
}

func TestStateDBSaveHistoryOverwrites(t *testing.T) {
	db := openTestStateDB(t)

	db.SaveHistory("ma_cross", "SH600000", "2026-08-25", []float64{1, 2})
	db.SaveHistory("ma_cross", "SH600000", "2026-08-26", []float64{3, 4})

	prices, ok := db.LoadHistory("ma_cross", "SH600000", "2026-08-26")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 4}, prices)
}

func TestStateDBMarkNotifiedOncePerDay(t *testing.T) {
	db := openTestStateDB(t)

	assert.True(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-26"))
	assert.False(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-26"))

	// Different alert type, stock or day each dedupe independently
	assert.True(t, db.MarkNotified("rsi", "SH600000", "rsi_low", "2026-08-26"))
	assert.True(t, db.MarkNotified("rsi", "SZ000001", "rsi_high", "2026-08-26"))
	assert.True(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-27"))
}

func TestStateDBClearNotifiedAllowsRetry(t *testing.T) {
	db := openTestStateDB(t)

	require.True(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-26"))
	db.ClearNotified("rsi", "SH600000", "rsi_high", "2026-08-26")
	assert.True(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-26"))
}

func TestStateDBPruneBefore(t *testing.T) {
	db := openTestStateDB(t)

	db.SaveHistory("rsi", "SH600000", "2026-08-20", []float64{1})
	db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-20")
	db.SaveHistory("rsi", "SZ000001", "2026-08-26", []float64{2})
	db.MarkNotified("rsi", "SZ000001", "rsi_high", "2026-08-26")

	db.PruneBefore("2026-08-26")

	_, ok := db.LoadHistory("rsi", "SH600000", "2026-08-20")
	assert.False(t, ok)
	prices, ok := db.LoadHistory("rsi", "SZ000001", "2026-08-26")
	require.True(t, ok)
	assert.Equal(t, []float64{2}, prices)

	assert.True(t, db.MarkNotified("rsi", "SH600000", "rsi_high", "2026-08-20"))
	assert.False(t, db.MarkNotified("rsi", "SZ000001", "rsi_high", "2026-08-26"))
}
