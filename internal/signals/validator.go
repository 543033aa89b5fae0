package signals

import (
	"context"
	"fmt"

	"signal-trading-core/internal/database"
	"signal-trading-core/internal/logging"
	"signal-trading-core/internal/risk"
)

// Validator thresholds and multipliers
const (
	// DefaultMinThreshold is the base confidence gate
	DefaultMinThreshold = 0.35

	// highVolThreshold replaces the base gate when realized 24h
	// volatility exceeds highVol24h.
	highVolThreshold = 0.65
	highVol24h       = 0.05

	// accuracyMinTrades: history below this sample size is ignored
	accuracyMinTrades = 20
	lowAccuracy       = 0.4
	lowAccuracyMult   = 0.8

	// consensusMinPeers other same-direction signals earn the boost
	consensusMinPeers = 2
	consensusMult     = 1.2

	// Threshold additions for adverse regimes
	counterTrendPenalty = 0.1
	volatilePenalty     = 0.05
)

// AccuracySource supplies historical per-(user, symbol, source) win
// rates. Implemented by database.TradeRepository.
type AccuracySource interface {
	SourceAccuracy(ctx context.Context, userID, symbol, source string) (accuracy float64, total int, err error)
}

// Verdict is the validation outcome for one signal
type Verdict struct {
	Accept    bool
	Score     float64
	Threshold float64
	Reasons   []string
}

// ValidationContext carries the market state the validator judges
// the signal against.
type ValidationContext struct {
	Vol24h         float64 // realized volatility over the last 24 1h candles
	ConsensusPeers int     // other eligible signals on the same (symbol, action)
	Regime         risk.Regime
}

// Validator scores deduplicated signals against confidence, history,
// consensus and regime.
type Validator struct {
	minThreshold float64
	accuracy     AccuracySource
	logger       *logging.Logger
}

// NewValidator creates a validator. accuracy may be nil; the history
// step is then skipped.
func NewValidator(minThreshold float64, accuracy AccuracySource, logger *logging.Logger) *Validator {
	if minThreshold <= 0 {
		minThreshold = DefaultMinThreshold
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{
		minThreshold: minThreshold,
		accuracy:     accuracy,
		logger:       logger.WithComponent("validator"),
	}
}

// Validate scores one signal. Both accept and reject verdicts carry
// the full reason trail.
func (v *Validator) Validate(ctx context.Context, userID string, sig *database.Signal, mkt ValidationContext) Verdict {
	verdict := Verdict{Score: sig.Confidence, Threshold: v.minThreshold}

	// Base gate. High realized volatility demands high conviction.
	if mkt.Vol24h > highVol24h {
		verdict.Threshold = highVolThreshold
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("24h volatility %.1f%% above %.0f%%: threshold raised to %.2f",
				mkt.Vol24h*100, highVol24h*100, highVolThreshold))
	}
	if sig.Confidence < verdict.Threshold {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("confidence %.2f below threshold %.2f", sig.Confidence, verdict.Threshold))
		v.logVerdict(userID, sig, &verdict)
		return verdict
	}

	// Historical accuracy of this (user, symbol, source)
	if v.accuracy != nil {
		acc, total, err := v.accuracy.SourceAccuracy(ctx, userID, sig.Symbol, sig.Source)
		if err != nil {
			v.logger.Warn("accuracy lookup failed, skipping step",
				"user_id", userID, "symbol", sig.Symbol, "error", err)
		} else if total >= accuracyMinTrades && acc < lowAccuracy {
			verdict.Score *= lowAccuracyMult
			verdict.Reasons = append(verdict.Reasons,
				fmt.Sprintf("historical accuracy %.0f%% over %d trades: score x%.1f", acc*100, total, lowAccuracyMult))
		}
	}

	// Consensus across other fresh signals in the same direction
	if mkt.ConsensusPeers >= consensusMinPeers {
		verdict.Score *= consensusMult
		if verdict.Score > 1.0 {
			verdict.Score = 1.0
		}
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("%d peer signals agree: score x%.1f", mkt.ConsensusPeers, consensusMult))
	}

	// Regime adjustment raises the bar for counter-trend and volatile entries
	counterTrend := (mkt.Regime == risk.RegimeBear && sig.Action == database.ActionBuy) ||
		(mkt.Regime == risk.RegimeBull && sig.Action == database.ActionSell)
	if counterTrend {
		verdict.Threshold += counterTrendPenalty
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("counter-trend %s in %s regime: threshold +%.2f", sig.Action, mkt.Regime, counterTrendPenalty))
	}
	if mkt.Regime == risk.RegimeVolatile {
		verdict.Threshold += volatilePenalty
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("volatile regime: threshold +%.2f", volatilePenalty))
	}

	verdict.Accept = verdict.Score >= verdict.Threshold
	if !verdict.Accept {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("final score %.2f below threshold %.2f", verdict.Score, verdict.Threshold))
	}
	v.logVerdict(userID, sig, &verdict)
	return verdict
}

// logVerdict keeps the reason trail visible on both outcomes
func (v *Validator) logVerdict(userID string, sig *database.Signal, verdict *Verdict) {
	msg := "signal accepted"
	if !verdict.Accept {
		msg = "signal rejected"
	}
	v.logger.Info(msg,
		"user_id", userID,
		"signal_id", sig.ID,
		"symbol", sig.Symbol,
		"action", sig.Action,
		"score", verdict.Score,
		"threshold", verdict.Threshold,
		"reasons", fmt.Sprintf("%v", verdict.Reasons))
}
