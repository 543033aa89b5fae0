// Package portfolio enforces account-level exposure limits on
// proposed trades: concentration, category caps, stable reserve and
// diversification. The manager is pure with respect to its inputs and
// never calls the broker.
package portfolio

import (
	"fmt"
	"strings"

	"signal-trading-core/internal/logging"
)

// Category groups symbols for exposure caps
type Category string

const (
	CategoryL1     Category = "l1"
	CategoryDeFi   Category = "defi"
	CategoryMeme   Category = "meme"
	CategoryStable Category = "stable"
	CategoryOther  Category = "other"
)

// Exposure caps as fractions of equity. L1 majors may run levered
// notional well past equity; meme coins are capped hard.
var categoryCaps = map[Category]float64{
	CategoryL1:    4.00,
	CategoryDeFi:  0.50,
	CategoryMeme:  0.10,
	CategoryOther: 0.40,
}

const (
	// maxSingleFraction caps one position at 25% of equity
	maxSingleFraction = 0.25

	// minStableReserve: below this stablecoin share of equity, new
	// positions are halved rather than rejected.
	minStableReserve = 0.10
	lowReserveMult   = 0.5

	// hhiLimit: Herfindahl-Hirschman index of open-position notionals
	// above this marks an over-concentrated book.
	hhiLimit          = 0.7
	concentrationMult = 0.8
)

// Static base-asset classification. Unknown symbols fall through to
// CategoryOther and its default cap.
var symbolCategories = map[string]Category{
	"BTC":   CategoryL1,
	"ETH":   CategoryL1,
	"SOL":   CategoryL1,
	"BNB":   CategoryL1,
	"ADA":   CategoryL1,
	"AVAX":  CategoryL1,
	"DOT":   CategoryL1,
	"NEAR":  CategoryL1,
	"ATOM":  CategoryL1,
	"TRX":   CategoryL1,
	"UNI":   CategoryDeFi,
	"AAVE":  CategoryDeFi,
	"LINK":  CategoryDeFi,
	"MKR":   CategoryDeFi,
	"CRV":   CategoryDeFi,
	"COMP":  CategoryDeFi,
	"SUSHI": CategoryDeFi,
	"LDO":   CategoryDeFi,
	"DOGE":  CategoryMeme,
	"SHIB":  CategoryMeme,
	"PEPE":  CategoryMeme,
	"WIF":   CategoryMeme,
	"BONK":  CategoryMeme,
	"FLOKI": CategoryMeme,
	"USDT":  CategoryStable,
	"USDC":  CategoryStable,
	"DAI":   CategoryStable,
}

// Classify maps a trading pair to its category by base asset
func Classify(symbol string) Category {
	base := symbol
	if idx := strings.IndexAny(symbol, "/-"); idx > 0 {
		base = symbol[:idx]
	}
	if cat, ok := symbolCategories[strings.ToUpper(base)]; ok {
		return cat
	}
	return CategoryOther
}

// OpenExposure is one open position's contribution to the book
type OpenExposure struct {
	Symbol      string
	NotionalUSD float64
}

// CheckInput is everything a portfolio decision needs
type CheckInput struct {
	Symbol      string
	ProposedUSD float64
	EquityUSD   float64
	StableUSD   float64
	Open        []OpenExposure
}

// Decision is the portfolio verdict for a proposed trade
type Decision struct {
	Execute        bool
	SizeMultiplier float64 // in [0,1], applied to the proposed size
	Reasons        []string
}

// Manager applies the portfolio limits
type Manager struct {
	logger *logging.Logger
}

// NewManager creates a portfolio manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{logger: logger.WithComponent("portfolio")}
}

// Check evaluates a proposed trade against the book.
func (m *Manager) Check(in CheckInput) Decision {
	d := Decision{Execute: true, SizeMultiplier: 1.0}

	if in.EquityUSD <= 0 || in.ProposedUSD <= 0 {
		d.Execute = false
		d.SizeMultiplier = 0
		d.Reasons = append(d.Reasons, "no equity or empty proposal")
		return d
	}

	// Single-position concentration: scale down, never hard-reject
	if maxSingle := in.EquityUSD * maxSingleFraction; in.ProposedUSD > maxSingle {
		mult := maxSingle / in.ProposedUSD
		d.SizeMultiplier *= mult
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("single position capped at %.0f%% of equity: x%.2f", maxSingleFraction*100, mult))
	}

	// Category exposure including the proposal itself
	cat := Classify(in.Symbol)
	capFrac := categoryCaps[cat]
	if capFrac == 0 {
		capFrac = categoryCaps[CategoryOther]
	}
	var catExposure float64
	for _, open := range in.Open {
		if Classify(open.Symbol) == cat {
			catExposure += open.NotionalUSD
		}
	}
	capUSD := in.EquityUSD * capFrac
	effective := in.ProposedUSD * d.SizeMultiplier
	if catExposure >= capUSD {
		d.Execute = false
		d.SizeMultiplier = 0
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("%s exposure %.0f already at cap %.0f", cat, catExposure, capUSD))
		return d
	}
	if catExposure+effective > capUSD {
		room := capUSD - catExposure
		mult := room / effective
		d.SizeMultiplier *= mult
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("%s exposure near cap, remaining room %.0f: x%.2f", cat, room, mult))
	}

	// Stable reserve guard
	if in.StableUSD/in.EquityUSD < minStableReserve {
		d.SizeMultiplier *= lowReserveMult
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("stable reserve below %.0f%% of equity: x%.1f", minStableReserve*100, lowReserveMult))
	}

	// Diversification: a concentrated book shrinks every new entry
	if hhi := herfindahl(in.Open); hhi > hhiLimit {
		d.SizeMultiplier *= concentrationMult
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("portfolio HHI %.2f above %.1f: x%.1f", hhi, hhiLimit, concentrationMult))
	}

	if d.SizeMultiplier <= 0 {
		d.Execute = false
		d.SizeMultiplier = 0
	}
	return d
}

// herfindahl computes the concentration index of open-position
// notionals: the sum of squared shares. 1.0 means a single position.
func herfindahl(open []OpenExposure) float64 {
	var total float64
	for _, o := range open {
		total += o.NotionalUSD
	}
	if total <= 0 {
		return 0
	}
	var hhi float64
	for _, o := range open {
		share := o.NotionalUSD / total
		hhi += share * share
	}
	return hhi
}
