package risk

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/database"
)

const (
	// atrPeriod on 1h candles
	atrPeriod = 14

	// minRiskReward is the minimum reward:risk ratio; TP widens until
	// satisfied, subject to the hard cap.
	minRiskReward = 1.5

	// maxTPDistancePct is the hard cap on TP distance from entry
	maxTPDistancePct = 0.10
)

// ATR multipliers per regime. Bull and bear share the trending pair.
var regimeMultipliers = map[Regime][2]float64{ // [SL mult, TP mult]
	RegimeBull:     {1.5, 3.0},
	RegimeBear:     {1.5, 3.0},
	RegimeSideways: {2.0, 2.0},
	RegimeVolatile: {2.5, 2.5},
}

// StopLevels is a computed SL/TP pair
type StopLevels struct {
	StopLoss   float64
	TakeProfit float64
	ATR        float64
	Regime     Regime
}

// ComputeSLTP derives ATR-based stop loss and take profit levels.
// maxSLPct caps the stop distance as a fraction of entry (0 = no cap).
func ComputeSLTP(entry float64, side database.Side, klines []broker.Kline, regime Regime, maxSLPct float64) (*StopLevels, error) {
	if entry <= 0 {
		return nil, fmt.Errorf("invalid entry price %.8f", entry)
	}
	atr := latestATR(klines)
	if atr <= 0 {
		return nil, fmt.Errorf("insufficient candle history for ATR(%d)", atrPeriod)
	}

	mults, ok := regimeMultipliers[regime]
	if !ok {
		mults = regimeMultipliers[RegimeSideways]
	}

	slDist := mults[0] * atr
	tpDist := mults[1] * atr

	// User cap on stop distance
	if maxSLPct > 0 && slDist > entry*maxSLPct {
		slDist = entry * maxSLPct
	}

	// Enforce minimum reward:risk by widening TP, capped at 10% of entry
	if tpDist < slDist*minRiskReward {
		tpDist = slDist * minRiskReward
	}
	if tpDist > entry*maxTPDistancePct {
		tpDist = entry * maxTPDistancePct
	}

	levels := &StopLevels{ATR: atr, Regime: regime}
	if side == database.SideShort {
		levels.StopLoss = entry + slDist
		levels.TakeProfit = entry - tpDist
	} else {
		levels.StopLoss = entry - slDist
		levels.TakeProfit = entry + tpDist
	}
	return levels, nil
}

// latestATR returns the most recent ATR value, or 0 with insufficient
// history.
func latestATR(klines []broker.Kline) float64 {
	if len(klines) < atrPeriod+1 {
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

	atr := talib.Atr(highs, lows, closes, atrPeriod)
	if len(atr) == 0 {
		return 0
	}
	return atr[len(atr)-1]
}
