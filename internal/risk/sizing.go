package risk

import (
	"signal-trading-core/internal/database"
)

// Sizing constants. All thresholds are deliberate, documented choices;
// change them here, not inline.
const (
	// kellyMinTrades is the minimum closed-trade history before the
	// Kelly criterion is trusted at all.
	kellyMinTrades = 20

	// kellyMaxFraction clamps the raw Kelly fraction before halving
	kellyMaxFraction = 0.25

	// Volatility bands for the sizing multiplier
	lowVolSigma  = 0.02
	highVolSigma = 0.05

	lowVolMultiplier  = 1.2
	highVolMultiplier = 0.7

	// maxBalanceFraction caps any single position at 25% of equity
	maxBalanceFraction = 0.25
)

// SizingInput carries everything position sizing needs
type SizingInput struct {
	Balance         float64
	RiskPerTradePct float64 // e.g. 0.02 risks 2% of balance per trade
	StopLossPct     float64 // stop distance as a fraction of entry
	MaxPositionUSD  float64
	Confidence      float64
	Volatility      float64 // normalized sigma over the sizing lookback

	// Stats may be nil; Kelly is skipped without sufficient history
	Stats *database.TradeStats
}

// SizingResult is the USD-notional outcome with its breakdown
type SizingResult struct {
	SizeUSD       float64
	SizedFromSL   float64
	KellySizeUSD  float64 // 0 when Kelly was skipped
	KellyFraction float64
	VolMultiplier float64
	CappedBy      string // which cap bound the final size, if any
}

// PositionSize computes the USD notional for a new position.
//
// The canonical base is "risk N% of balance on a stop of M%". When
// enough history exists a half-Kelly estimate can only shrink that
// base, never grow it.
func PositionSize(in SizingInput) SizingResult {
	res := SizingResult{VolMultiplier: 1.0}

	if in.Balance <= 0 || in.RiskPerTradePct <= 0 || in.StopLossPct <= 0 {
		return res
	}

	base := in.Balance * in.RiskPerTradePct
	res.SizedFromSL = base / in.StopLossPct
	candidate := res.SizedFromSL

	if f, ok := kellyFraction(in.Stats); ok {
		res.KellyFraction = f
		res.KellySizeUSD = in.Balance * f / 2
		if res.KellySizeUSD < candidate {
			candidate = res.KellySizeUSD
		}
	}

	switch {
	case in.Volatility > 0 && in.Volatility < lowVolSigma:
		res.VolMultiplier = lowVolMultiplier
	case in.Volatility > highVolSigma:
		res.VolMultiplier = highVolMultiplier
	}
	candidate *= res.VolMultiplier
	candidate *= in.Confidence

	if in.MaxPositionUSD > 0 && candidate > in.MaxPositionUSD {
		candidate = in.MaxPositionUSD
		res.CappedBy = "max_position_usd"
	}
	if maxByBalance := in.Balance * maxBalanceFraction; candidate > maxByBalance {
		candidate = maxByBalance
		res.CappedBy = "balance_fraction"
	}

	if candidate < 0 {
		candidate = 0
	}
	res.SizeUSD = candidate
	return res
}

// kellyFraction computes the clamped Kelly fraction from trade stats.
// Returns ok=false when history is insufficient or avg loss is zero.
func kellyFraction(stats *database.TradeStats) (float64, bool) {
	if stats == nil || stats.TotalTrades < kellyMinTrades {
		return 0, false
	}
	if stats.AvgLossPct <= 0 || stats.AvgWinPct <= 0 {
		return 0, false
	}

	p := stats.WinRate
	w := stats.AvgWinPct
	l := stats.AvgLossPct

	f := (p*w - (1-p)*l) / w
	if f < 0 {
		f = 0
	}
	if f > kellyMaxFraction {
		f = kellyMaxFraction
	}
	return f, true
}
