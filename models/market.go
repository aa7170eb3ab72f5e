package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClosePrice is one daily close per (stock_code, date) in the stock_close
// collection.
type ClosePrice struct {
	StockCode string          `bson:"stock_code" json:"stock_code"`
	Date      string          `bson:"date" json:"date"`
	Close     decimal.Decimal `bson:"close" json:"close"`
	Volume    int64           `bson:"volume" json:"volume"`
	CreatedAt time.Time       `bson:"created_at" json:"created_at"`
}

// CurrentPrice is an intraday quote document in the stock_current
// collection. Rows are append-only; readers take the latest by _id.
type CurrentPrice struct {
	StockCode string          `bson:"stock_code" json:"stock_code"`
	Price     decimal.Decimal `bson:"price" json:"price"`
	Change    decimal.Decimal `bson:"change" json:"change"`
	FetchedAt time.Time       `bson:"fetched_at" json:"fetched_at"`
}

// WatchedStock is an entry in the stock_watch collection describing a
// stock the signal monitors should track.
type WatchedStock struct {
	StockCode  string   `bson:"stock_code" json:"stock_code"`
	Name       string   `bson:"name" json:"name"`
	Strategies []string `bson:"strategies" json:"strategies"` // rsi, ma_cross
	Recipients []string `bson:"recipients" json:"recipients"`

	// Per-stock strategy settings. Zero means unset, the monitors fall
	// back to their defaults.
	RSIHigh float64 `bson:"rsi_high,omitempty" json:"rsi_high,omitempty"`
	RSILow  float64 `bson:"rsi_low,omitempty" json:"rsi_low,omitempty"`
	MAFast  int     `bson:"ma_fast,omitempty" json:"ma_fast,omitempty"`
	MASlow  int     `bson:"ma_slow,omitempty" json:"ma_slow,omitempty"`
}

// SignalEvent records one triggered alert in the signal collection.
type SignalEvent struct {
	StockCode    string    `bson:"stock_code" json:"stock_code"`
	Name         string    `bson:"name" json:"name"`
	AlertType    string    `bson:"alert_type" json:"alert_type"` // rsi_high, rsi_low, gold_cross, death_cross
	Value        float64   `bson:"value" json:"value"`
	CurrentPrice float64   `bson:"current_price" json:"current_price"`
	Recipients   []string  `bson:"recipients" json:"recipients"`
	AlertTime    time.Time `bson:"alert_time" json:"alert_time"`
	AlertDate    string    `bson:"alert_date" json:"alert_date"`
}
