package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Local state database path
const (
	StateDBPath = "data/state.db"
)

// StateDB keeps the signal monitors' per-day working state (cached price
// histories, notification dedupe marks) in a local SQLite file. It is a
// process-local cache only; losing it costs a re-fetch, never quota
// correctness.
type StateDB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Global state DB client
var GlobalStateDB *StateDB

// InitStateDB initializes the local state database
func InitStateDB() error {
	db, err := OpenStateDB(StateDBPath)
	if err != nil {
		return err
	}
	GlobalStateDB = db
	return nil
}

// OpenStateDB opens (and if necessary creates) a state database at path
func OpenStateDB(path string) (*StateDB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping state db: %w", err)
	}

	s := &StateDB{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create state tables: %w", err)
	}

	log.Printf("State DB ready at %s", path)
	return s, nil
}

// Close closes the state database
func (s *StateDB) Close() error {
	return s.db.Close()
}

func (s *StateDB) createTables() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS strategy_history (
			strategy TEXT NOT NULL,
			stock_code TEXT NOT NULL,
			date TEXT NOT NULL,
			prices TEXT NOT NULL,
			PRIMARY KEY (strategy, stock_code)
		)`,
		`CREATE TABLE IF NOT EXISTS notified (
			strategy TEXT NOT NULL,
			stock_code TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			date TEXT NOT NULL,
			PRIMARY KEY (strategy, stock_code, alert_type, date)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadHistory returns the cached price history for a stock if it was
// stored for the given date.
func (s *StateDB) LoadHistory(strategy, stockCode, date string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var storedDate, raw string
	err := s.db.QueryRow(
		`SELECT date, prices FROM strategy_history WHERE strategy = ? AND stock_code = ?`,
		strategy, stockCode,
	).Scan(&storedDate, &raw)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Printf("Failed to load %s history for %s: %v", strategy, stockCode, err)
		return nil, false
	}
	if storedDate != date {
		// Stale: belongs to a previous day
		return nil, false
	}

	var prices []float64
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		log.Printf("Corrupt %s history for %s, rebuilding: %v", strategy, stockCode, err)
		return nil, false
	}
	return prices, true
}

// SaveHistory caches a price history for a stock under the given date
func (s *StateDB) SaveHistory(strategy, stockCode, date string, prices []float64) {
	raw, err := json.Marshal(prices)
	if err != nil {
		log.Printf("Failed to encode %s history for %s: %v", strategy, stockCode, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO strategy_history (strategy, stock_code, date, prices) VALUES (?, ?, ?, ?)
		 ON CONFLICT(strategy, stock_code) DO UPDATE SET date = excluded.date, prices = excluded.prices`,
		strategy, stockCode, date, string(raw),
	)
	if err != nil {
		log.Printf("Failed to save %s history for %s: %v", strategy, stockCode, err)
	}
}

// MarkNotified records that an alert fired today. Returns true the
// first time for a (strategy, stock, alert, date) tuple and false on
// repeats, so each alert notifies at most once per day.
func (s *StateDB) MarkNotified(strategy, stockCode, alertType, date string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO notified (strategy, stock_code, alert_type, date) VALUES (?, ?, ?, ?)`,
		strategy, stockCode, alertType, date,
	)
	if err != nil {
		log.Printf("Failed to mark notification for %s/%s: %v", stockCode, alertType, err)
		// Fail open, a duplicate email beats a dropped alert
		return true
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return true
	}
	return inserted > 0
}

// ClearNotified removes a dedupe mark so the alert can retry later,
// used when the notification itself failed to go out.
func (s *StateDB) ClearNotified(strategy, stockCode, alertType, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`DELETE FROM notified WHERE strategy = ? AND stock_code = ? AND alert_type = ? AND date = ?`,
		strategy, stockCode, alertType, date,
	); err != nil {
		log.Printf("Failed to clear notification mark for %s/%s: %v", stockCode, alertType, err)
	}
}

// PruneBefore removes history and dedupe rows older than the given date
func (s *StateDB) PruneBefore(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM strategy_history WHERE date < ?`, date); err != nil {
		log.Printf("Failed to prune strategy history: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM notified WHERE date < ?`, date); err != nil {
		log.Printf("Failed to prune notification marks: %v", err)
	}
}
