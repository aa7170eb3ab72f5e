// Package analysis implements the technical indicators the signal
// monitors evaluate. All functions are pure and operate on close price
// series in chronological order, oldest first.
package analysis

import "fmt"

// Default indicator parameters
const (
	RSIPeriod    = 14
	MAFastPeriod = 5
	MASlowPeriod = 20
)

// RSIHistoryDays is how many closes the RSI monitor keeps cached
const RSIHistoryDays = RSIPeriod * 2

// MAHistoryDays is how many closes the MA cross monitor keeps cached
const MAHistoryDays = MASlowPeriod * 2

// CalculateRSI computes the Relative Strength Index over the trailing
// window. It averages gains and losses over the last period deltas, so
// the series needs at least period+1 prices. An all-gain window returns
// 100, an all-loss window returns 0.
func CalculateRSI(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid RSI period %d", period)
	}
	if len(prices) < period+1 {
		return 0, fmt.Errorf("insufficient data for RSI%d: need %d prices, have %d", period, period+1, len(prices))
	}

	gains := 0.0
	losses := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100, nil
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// SMA computes the simple moving average of the last period prices
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid SMA period %d", period)
	}
	if len(prices) < period {
		return 0, fmt.Errorf("insufficient data for SMA%d: have %d", period, len(prices))
	}

	sum := 0.0
	for _, price := range prices[len(prices)-period:] {
		sum += price
	}
	return sum / float64(period), nil
}

// CrossType identifies a moving average crossover
type CrossType string

const (
	CrossNone  CrossType = ""
	GoldCross  CrossType = "gold_cross"
	DeathCross CrossType = "death_cross"
)

// MACrossSignal is the result of a dual moving average evaluation
type MACrossSignal struct {
	Cross    CrossType
	FastMA   float64
	SlowMA   float64
	PrevDiff float64
	CurrDiff float64
}

// CalculateMACross evaluates a dual moving average crossover at the end
// of the series. A gold cross is the fast MA moving from below the slow
// MA to at-or-above it between the last two points; a death cross is
// the opposite. Needs 0 < fast < slow and at least slow+1 prices.
func CalculateMACross(prices []float64, fastPeriod, slowPeriod int) (*MACrossSignal, error) {
	if fastPeriod <= 0 || slowPeriod <= 0 || fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("invalid MA periods fast=%d slow=%d", fastPeriod, slowPeriod)
	}
	if len(prices) < slowPeriod+1 {
		return nil, fmt.Errorf("insufficient data for MA%d/%d: need %d prices, have %d", fastPeriod, slowPeriod, slowPeriod+1, len(prices))
	}

	fastCurr, err := SMA(prices, fastPeriod)
	if err != nil {
		return nil, err
	}
	slowCurr, err := SMA(prices, slowPeriod)
	if err != nil {
		return nil, err
	}

	prev := prices[:len(prices)-1]
	fastPrev, err := SMA(prev, fastPeriod)
	if err != nil {
		return nil, err
	}
	slowPrev, err := SMA(prev, slowPeriod)
	if err != nil {
		return nil, err
	}

	signal := &MACrossSignal{
		FastMA:   fastCurr,
		SlowMA:   slowCurr,
		PrevDiff: fastPrev - slowPrev,
		CurrDiff: fastCurr - slowCurr,
	}

	switch {
	case signal.PrevDiff < 0 && signal.CurrDiff >= 0:
		signal.Cross = GoldCross
	case signal.PrevDiff > 0 && signal.CurrDiff <= 0:
		signal.Cross = DeathCross
	}

	return signal, nil
}
