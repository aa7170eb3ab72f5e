// Package signals runs the RSI and dual moving average monitors over
// the watched stock list and sends email alerts for triggered signals.
package signals

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"forecast_platform/models"
	"forecast_platform/services"
	"forecast_platform/services/analysis"
)

// Default alert thresholds when a watch entry does not set its own
const (
	DefaultRSIHigh = 70.0
	DefaultRSILow  = 30.0
)

const (
	strategyRSI     = "rsi"
	strategyMACross = "ma_cross"
)

// MonitorResult summarizes one stock's evaluation
type MonitorResult struct {
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Status       string  `json:"status"` // ok, history_missing, current_missing, failed
	Message      string  `json:"message,omitempty"`
	CurrentPrice float64 `json:"current_price,omitempty"`
	RSI          float64 `json:"rsi,omitempty"`
	FastMA       float64 `json:"fast_ma,omitempty"`
	SlowMA       float64 `json:"slow_ma,omitempty"`
	AlertType    string  `json:"alert,omitempty"`
	Notified     bool    `json:"notified"`
}

// RunReport is the outcome of one monitor pass
type RunReport struct {
	Strategy string          `json:"type"`
	Items    []MonitorResult `json:"items"`
	Errors   []string        `json:"errors"`
}

// MarketStore is the slice of the MongoDB client the monitors need
type MarketStore interface {
	LoadWatchedStocks(ctx context.Context) ([]models.WatchedStock, error)
	FetchCloseHistory(ctx context.Context, stockCode string, limit int) ([]float64, error)
	FetchCurrentPrice(ctx context.Context, stockCode string) (float64, bool, error)
	InsertSignalEvent(ctx context.Context, event *models.SignalEvent) error
}

var _ MarketStore = (*services.MongoDBClient)(nil)

// SignalService evaluates watched stocks against their strategies
type SignalService struct {
	mongo    MarketStore
	state    *services.StateDB
	notifier services.Notifier
	db       *gorm.DB // optional, for extra alert recipients
}

// GlobalSignalService is the shared signal service instance
var GlobalSignalService *SignalService

// NewSignalService creates a new signal service
func NewSignalService(mongo MarketStore, state *services.StateDB, notifier services.Notifier, db *gorm.DB) *SignalService {
	return &SignalService{
		mongo:    mongo,
		state:    state,
		notifier: notifier,
		db:       db,
	}
}

// InitSignalService initializes the global signal service
func InitSignalService(mongo MarketStore, state *services.StateDB, notifier services.Notifier, db *gorm.DB) {
	GlobalSignalService = NewSignalService(mongo, state, notifier, db)
}

// RunRSIMonitor evaluates RSI for every watched stock with the rsi
// strategy enabled
func (s *SignalService) RunRSIMonitor(ctx context.Context) (*RunReport, error) {
	return s.runMonitor(ctx, strategyRSI)
}

// RunMACrossMonitor evaluates the dual moving average crossover for
// every watched stock with the ma_cross strategy enabled
func (s *SignalService) RunMACrossMonitor(ctx context.Context) (*RunReport, error) {
	return s.runMonitor(ctx, strategyMACross)
}

func (s *SignalService) runMonitor(ctx context.Context, strategy string) (*RunReport, error) {
	log.Printf("Running %s monitor", strategy)

	watched, err := s.mongo.LoadWatchedStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load watch list: %w", err)
	}

	today := time.Now().Format("2006-01-02")
	report := &RunReport{Strategy: strategy}

	for _, stock := range watched {
		if !wantsStrategy(stock, strategy) {
			continue
		}
		result := s.evaluateStock(ctx, strategy, stock, today)
		report.Items = append(report.Items, result)
		if result.Status == "failed" {
			report.Errors = append(report.Errors, result.Message)
		}
	}

	log.Printf("%s monitor finished: %d stocks evaluated, %d errors", strategy, len(report.Items), len(report.Errors))
	return report, nil
}

func wantsStrategy(stock models.WatchedStock, strategy string) bool {
	for _, name := range stock.Strategies {
		if strings.EqualFold(strings.TrimSpace(name), strategy) {
			return true
		}
	}
	return false
}

func (s *SignalService) evaluateStock(ctx context.Context, strategy string, stock models.WatchedStock, today string) MonitorResult {
	code := services.NormalizeStockCode(stock.StockCode)
	name := stock.Name
	if name == "" {
		name = code
	}
	result := MonitorResult{Code: code, Name: name}
	if code == "" {
		result.Status = "failed"
		result.Message = fmt.Sprintf("watch entry has no usable stock code: %q", stock.StockCode)
		return result
	}

	historyNeed := analysis.RSIHistoryDays
	minHistory := analysis.RSIPeriod
	if strategy == strategyMACross {
		_, slow := maPeriods(stock)
		historyNeed = max(analysis.MAHistoryDays, slow+1)
		minHistory = slow
	}

	history := s.closeHistory(ctx, strategy, code, today, historyNeed)
	if len(history) < minHistory {
		result.Status = "history_missing"
		result.Message = fmt.Sprintf("%s has %d closes, need %d", code, len(history), minHistory)
		log.Print(result.Message)
		return result
	}

	current, ok, err := s.mongo.FetchCurrentPrice(ctx, code)
	if err != nil || !ok {
		result.Status = "current_missing"
		result.Message = fmt.Sprintf("no current price for %s", code)
		log.Print(result.Message)
		return result
	}
	result.CurrentPrice = current

	switch strategy {
	case strategyRSI:
		s.evaluateRSI(ctx, stock, history, current, today, &result)
	case strategyMACross:
		s.evaluateMACross(ctx, stock, history, current, today, &result)
	}
	return result
}

// closeHistory returns the cached close series for today, refreshing
// from MongoDB when the cache is stale or missing.
func (s *SignalService) closeHistory(ctx context.Context, strategy, code, today string, need int) []float64 {
	if cached, ok := s.state.LoadHistory(strategy, code, today); ok && len(cached) >= need {
		return cached
	}

	history, err := s.mongo.FetchCloseHistory(ctx, code, need)
	if err != nil {
		log.Printf("Error fetching close history for %s: %v", code, err)
		return nil
	}
	if len(history) > 0 {
		s.state.SaveHistory(strategy, code, today, history)
	}
	return history
}

func (s *SignalService) evaluateRSI(ctx context.Context, stock models.WatchedStock, history []float64, current float64, today string, result *MonitorResult) {
	series := append(append([]float64{}, history[len(history)-min(len(history), analysis.RSIPeriod):]...), current)
	rsi, err := analysis.CalculateRSI(series, analysis.RSIPeriod)
	if err != nil {
		result.Status = "failed"
		result.Message = fmt.Sprintf("RSI for %s: %v", result.Code, err)
		return
	}
	result.Status = "ok"
	result.RSI = rsi

	high, low := rsiThresholds(stock)
	var alertType, detail string
	switch {
	case rsi >= high:
		alertType = "rsi_high"
		detail = fmt.Sprintf("RSI=%.2f is above the %.0f threshold", rsi, high)
	case rsi <= low:
		alertType = "rsi_low"
		detail = fmt.Sprintf("RSI=%.2f is below the %.0f threshold", rsi, low)
	default:
		return
	}
	result.AlertType = alertType

	subject := fmt.Sprintf("RSI alert: %s (%s)", result.Name, result.Code)
	body := fmt.Sprintf("%s triggered %s.\n%s\nCurrent price: %.4f\nTime: %s\nThresholds: high %.0f, low %.0f",
		result.Name, alertType, detail, current, time.Now().Format(time.RFC3339), high, low)

	result.Notified = s.notify(ctx, stock, alertType, rsi, current, today, subject, body, result)
}

func (s *SignalService) evaluateMACross(ctx context.Context, stock models.WatchedStock, history []float64, current float64, today string, result *MonitorResult) {
	fast, slow := maPeriods(stock)
	keep := min(len(history), slow+1)
	series := append(append([]float64{}, history[len(history)-keep:]...), current)

	signal, err := analysis.CalculateMACross(series, fast, slow)
	if err != nil {
		result.Status = "failed"
		result.Message = fmt.Sprintf("MA cross for %s: %v", result.Code, err)
		return
	}
	result.Status = "ok"
	result.FastMA = signal.FastMA
	result.SlowMA = signal.SlowMA

	if signal.Cross == analysis.CrossNone {
		return
	}
	alertType := string(signal.Cross)
	result.AlertType = alertType

	subject := fmt.Sprintf("MA cross signal: %s (%s)", result.Name, result.Code)
	body := fmt.Sprintf("%s triggered %s.\nfast=%d, slow=%d\nMA_fast=%.4f, MA_slow=%.4f\nCurrent price: %.4f\nTime: %s",
		result.Name, alertType, fast, slow, signal.FastMA, signal.SlowMA, current, time.Now().Format(time.RFC3339))

	result.Notified = s.notify(ctx, stock, alertType, signal.CurrDiff, current, today, subject, body, result)
}

// notify sends the alert email once per (stock, alert type, day) and
// records the signal event. Returns whether the email went out now.
func (s *SignalService) notify(ctx context.Context, stock models.WatchedStock, alertType string, value, current float64, today, subject, body string, result *MonitorResult) bool {
	strategy := strategyRSI
	if alertType == string(analysis.GoldCross) || alertType == string(analysis.DeathCross) {
		strategy = strategyMACross
	}

	if !s.state.MarkNotified(strategy, result.Code, alertType, today) {
		// Already notified today
		return false
	}

	recipients := s.mergeRecipients(stock.Recipients)
	if len(recipients) == 0 {
		log.Printf("Signal %s for %s triggered but no recipients configured", alertType, result.Code)
		return false
	}

	if err := s.notifier.Send(subject, body, recipients); err != nil {
		log.Printf("Error sending %s alert for %s: %v", alertType, result.Code, err)
		result.Message = fmt.Sprintf("%s triggered but the alert email failed", alertType)
		// Allow a retry on the next monitor pass
		s.state.ClearNotified(strategy, result.Code, alertType, today)
		return false
	}

	event := &models.SignalEvent{
		StockCode:    result.Code,
		Name:         result.Name,
		AlertType:    alertType,
		Value:        value,
		CurrentPrice: current,
		Recipients:   recipients,
		AlertTime:    time.Now(),
		AlertDate:    today,
	}
	if err := s.mongo.InsertSignalEvent(ctx, event); err != nil {
		log.Printf("Error recording signal event for %s: %v", result.Code, err)
	}
	return true
}

// mergeRecipients combines the per-stock list with the active global
// alert recipients from the relational database.
func (s *SignalService) mergeRecipients(stockRecipients []string) []string {
	seen := make(map[string]bool)
	var merged []string
	add := func(email string) {
		email = strings.TrimSpace(email)
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		merged = append(merged, email)
	}

	for _, email := range stockRecipients {
		add(email)
	}

	if s.db != nil {
		var extras []models.AlertRecipient
		if err := s.db.Where("is_active = ?", true).Find(&extras).Error; err != nil {
			log.Printf("Error loading alert recipients: %v", err)
		} else {
			for _, recipient := range extras {
				add(recipient.Email)
			}
		}
	}
	return merged
}

func rsiThresholds(stock models.WatchedStock) (high, low float64) {
	high, low = DefaultRSIHigh, DefaultRSILow
	if stock.RSIHigh > 0 {
		high = stock.RSIHigh
	}
	if stock.RSILow > 0 {
		low = stock.RSILow
	}
	return high, low
}

func maPeriods(stock models.WatchedStock) (fast, slow int) {
	fast, slow = analysis.MAFastPeriod, analysis.MASlowPeriod
	if stock.MAFast > 0 {
		fast = stock.MAFast
	}
	if stock.MASlow > 0 {
		slow = stock.MASlow
	}
	if fast >= slow {
		fast, slow = analysis.MAFastPeriod, analysis.MASlowPeriod
	}
	return fast, slow
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
