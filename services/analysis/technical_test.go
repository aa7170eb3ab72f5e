package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateRSIAllGains(t *testing.T) {
	prices := make([]float64, 15)
	for i := range prices {
		prices[i] = 10 + float64(i)
	}
	rsi, err := CalculateRSI(prices, 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)
}

func TestCalculateRSIAllLosses(t *testing.T) {
	prices := make([]float64, 15)
	for i := range prices {
		prices[i] = 100 - float64(i)
	}
	rsi, err := CalculateRSI(prices, 14)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rsi)
}

func TestCalculateRSIMixed(t *testing.T) {
	// Alternating +2/-1 over 14 deltas: 7 gains of 2, 7 losses of 1.
	// avgGain=1, avgLoss=0.5, RS=2, RSI=100-100/3.
	prices := []float64{10}
	for i := 0; i < 7; i++ {
		prices = append(prices, prices[len(prices)-1]+2)
		prices = append(prices, prices[len(prices)-1]-1)
	}
	rsi, err := CalculateRSI(prices, 14)
	require.NoError(t, err)
	assert.InDelta(t, 100.0-100.0/3.0, rsi, 1e-9)
}

func TestCalculateRSIUsesTrailingWindowOnly(t *testing.T) {
	// A long decline followed by 14 rising closes must read as RSI 100
	// regardless of the old data.
	prices := []float64{100, 90, 80, 70}
	for i := 0; i < 14; i++ {
		prices = append(prices, 70+float64(i+1))
	}
	rsi, err := CalculateRSI(prices, 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)
}

func TestCalculateRSIInsufficientData(t *testing.T) {
	_, err := CalculateRSI([]float64{1, 2, 3}, 14)
	assert.Error(t, err)

	_, err = CalculateRSI([]float64{1, 2, 3}, 0)
	assert.Error(t, err)
}

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	avg, err := SMA(prices, 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, avg)

	_, err = SMA(prices, 6)
	assert.Error(t, err)
}

func TestCalculateMACrossGold(t *testing.T) {
	// A dip then a jump: the fast MA moves from below the slow MA to
	// above it between the last two points
	prices := []float64{10, 10, 10, 10, 10, 5, 30}
	signal, err := CalculateMACross(prices, 2, 5)
	require.NoError(t, err)

	assert.Equal(t, GoldCross, signal.Cross)
	assert.Negative(t, signal.PrevDiff)
	assert.GreaterOrEqual(t, signal.CurrDiff, 0.0)
	assert.Equal(t, 17.5, signal.FastMA)
	assert.Equal(t, 13.0, signal.SlowMA)
}

func TestCalculateMACrossDeath(t *testing.T) {
	prices := []float64{30, 30, 30, 30, 30, 35, 5}
	signal, err := CalculateMACross(prices, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, DeathCross, signal.Cross)
}

func TestCalculateMACrossNoCross(t *testing.T) {
	prices := []float64{10, 11, 12, 13, 14, 15, 16}
	signal, err := CalculateMACross(prices, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, CrossNone, signal.Cross)
	assert.Positive(t, signal.CurrDiff)
}

func TestCalculateMACrossInvalidPeriods(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6}
	_, err := CalculateMACross(prices, 5, 5)
	assert.Error(t, err)
	_, err = CalculateMACross(prices, 0, 5)
	assert.Error(t, err)
	_, err = CalculateMACross(prices[:3], 2, 5)
	assert.Error(t, err)
}
