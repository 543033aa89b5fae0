// Package risk implements position sizing, dynamic stop placement and
// market-regime detection for the trading core.
package risk

import (
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"signal-trading-core/internal/broker"
)

// Regime classifies recent market behavior on a symbol
type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
	RegimeVolatile Regime = "volatile"
)

const (
	// RegimeLookback is the number of 1h candles regime detection uses
	RegimeLookback = 20

	// adxPeriod is the Wilder ADX period
	adxPeriod = 14

	// volatileSigma: normalized stdev above this marks a volatile regime
	volatileSigma = 0.05

	// trendADX: ADX above this marks a directional trend
	trendADX = 25.0
)

// Trending reports whether the regime is directional (bull or bear)
func (r Regime) Trending() bool {
	return r == RegimeBull || r == RegimeBear
}

// DetectRegime classifies the market from recent 1h candles.
// With insufficient data the safe answer is sideways, which produces
// the most conservative SL/TP multipliers.
func DetectRegime(klines []broker.Kline) Regime {
	if len(klines) < RegimeLookback {
		return RegimeSideways
	}

	recent := klines[len(klines)-RegimeLookback:]
	closes := make([]float64, len(recent))
	xs := make([]float64, len(recent))
	for i, k := range recent {
		closes[i] = k.Close
		xs[i] = float64(i)
	}

	mean := stat.Mean(closes, nil)
	if mean <= 0 {
		return RegimeSideways
	}
	sigma := stat.StdDev(closes, nil) / mean
	if sigma > volatileSigma {
		return RegimeVolatile
	}

	// ADX needs a longer warmup than the regression lookback
	adx := latestADX(klines)
	if adx <= trendADX {
		return RegimeSideways
	}

	_, slope := stat.LinearRegression(xs, closes, nil, false)
	switch {
	case slope > 0:
		return RegimeBull
	case slope < 0:
		return RegimeBear
	default:
		return RegimeSideways
	}
}

// latestADX returns the most recent Wilder ADX value, or 0 when there
// is not enough history for the indicator to warm up.
func latestADX(klines []broker.Kline) float64 {
	if len(klines) < adxPeriod*2+1 {
		return 0
	}

	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		highs[i] = k.High
		lows[i] = k.Low
		closes[i] = k.Close
	}

	adx := talib.Adx(highs, lows, closes, adxPeriod)
	if len(adx) == 0 {
		return 0
	}
	return adx[len(adx)-1]
}

// RealizedVolatility returns the normalized standard deviation
// (stdev / mean) of closes over at most the given lookback.
func RealizedVolatility(klines []broker.Kline, lookback int) float64 {
	if lookback <= 0 {
		lookback = RegimeLookback
	}
	if len(klines) < 2 {
		return 0
	}
	if len(klines) > lookback {
		klines = klines[len(klines)-lookback:]
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	mean := stat.Mean(closes, nil)
	if mean <= 0 {
		return 0
	}
	return stat.StdDev(closes, nil) / mean
}
