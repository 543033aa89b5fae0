package portfolio

import (
	"math"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := map[string]Category{
		"BTC/USDT":   CategoryL1,
		"ETH-USD":    CategoryL1,
		"UNI/USDT":   CategoryDeFi,
		"DOGE/USDT":  CategoryMeme,
		"USDC/USDT":  CategoryStable,
		"OBSCU/USDT": CategoryOther,
	}
	for symbol, want := range cases {
		if got := Classify(symbol); got != want {
			t.Errorf("Classify(%s) = %s, want %s", symbol, got, want)
		}
	}
}

func TestCheckPassesCleanBook(t *testing.T) {
	m := NewManager(nil)
	d := m.Check(CheckInput{
		Symbol:      "BTC/USDT",
		ProposedUSD: 1000,
		EquityUSD:   10000,
		StableUSD:   5000,
	})
	if !d.Execute || d.SizeMultiplier != 1.0 {
		t.Errorf("clean book must pass at full size, got execute=%v mult=%.2f", d.Execute, d.SizeMultiplier)
	}
}

func TestCheckSinglePositionScaleDown(t *testing.T) {
	m := NewManager(nil)
	d := m.Check(CheckInput{
		Symbol:      "BTC/USDT",
		ProposedUSD: 5000, // 50% of equity, cap is 25%
		EquityUSD:   10000,
		StableUSD:   5000,
	})
	if !d.Execute {
		t.Fatal("oversized proposal must scale down, not reject")
	}
	if math.Abs(d.SizeMultiplier-0.5) > 1e-9 {
		t.Errorf("multiplier = %.2f, want 0.5 (2500/5000)", d.SizeMultiplier)
	}
}

func TestCheckMemeCategoryCap(t *testing.T) {
	m := NewManager(nil)

	// Meme cap is 10% of equity = 1000; 800 already held leaves 200 room
	d := m.Check(CheckInput{
		Symbol:      "DOGE/USDT",
		ProposedUSD: 500,
		EquityUSD:   10000,
		StableUSD:   5000,
		Open:        []OpenExposure{{Symbol: "SHIB/USDT", NotionalUSD: 800}},
	})
	if !d.Execute {
		t.Fatal("partial room must scale down, not reject")
	}
	if math.Abs(d.SizeMultiplier-0.4) > 1e-9 {
		t.Errorf("multiplier = %.2f, want 0.4 (200/500)", d.SizeMultiplier)
	}

	// At the cap, reject outright
	d = m.Check(CheckInput{
		Symbol:      "DOGE/USDT",
		ProposedUSD: 500,
		EquityUSD:   10000,
		StableUSD:   5000,
		Open:        []OpenExposure{{Symbol: "SHIB/USDT", NotionalUSD: 1000}},
	})
	if d.Execute {
		t.Error("category at cap must reject")
	}
}

func TestCheckL1LeveredHeadroom(t *testing.T) {
	m := NewManager(nil)

	// L1 notional cap is 400% of equity; 2x equity already open leaves room
	d := m.Check(CheckInput{
		Symbol:      "ETH/USDT",
		ProposedUSD: 2000,
		EquityUSD:   10000,
		StableUSD:   5000,
		Open:        []OpenExposure{{Symbol: "BTC/USDT", NotionalUSD: 20000}},
	})
	if !d.Execute {
		t.Error("L1 exposure below the 400% notional cap must execute")
	}
}

func TestCheckLowStableReserveHalves(t *testing.T) {
	m := NewManager(nil)
	d := m.Check(CheckInput{
		Symbol:      "BTC/USDT",
		ProposedUSD: 1000,
		EquityUSD:   10000,
		StableUSD:   500, // 5% < 10% reserve floor
	})
	if !d.Execute {
		t.Fatal("low reserve must halve, not reject")
	}
	if math.Abs(d.SizeMultiplier-0.5) > 1e-9 {
		t.Errorf("multiplier = %.2f, want 0.5", d.SizeMultiplier)
	}
}

func TestCheckConcentrationPenalty(t *testing.T) {
	m := NewManager(nil)

	// One dominant position: HHI near 1.0 > 0.7
	d := m.Check(CheckInput{
		Symbol:      "OBSCU/USDT",
		ProposedUSD: 500,
		EquityUSD:   10000,
		StableUSD:   5000,
		Open: []OpenExposure{
			{Symbol: "WEIRD/USDT", NotionalUSD: 2000},
			{Symbol: "TINY/USDT", NotionalUSD: 100},
		},
	})
	if !d.Execute {
		t.Fatal("concentrated book must scale, not reject")
	}
	if math.Abs(d.SizeMultiplier-0.8) > 1e-9 {
		t.Errorf("multiplier = %.2f, want 0.8", d.SizeMultiplier)
	}
}

func TestCheckBalancedBookNoHHIPenalty(t *testing.T) {
	m := NewManager(nil)
	d := m.Check(CheckInput{
		Symbol:      "OBSCU/USDT",
		ProposedUSD: 500,
		EquityUSD:   10000,
		StableUSD:   5000,
		Open: []OpenExposure{
			{Symbol: "A/USDT", NotionalUSD: 1000},
			{Symbol: "B/USDT", NotionalUSD: 1000},
			{Symbol: "C/USDT", NotionalUSD: 1000},
		},
	})
	// HHI = 3 x (1/3)^2 = 0.33, no penalty
	if d.SizeMultiplier != 1.0 {
		t.Errorf("balanced book multiplier = %.2f, want 1.0", d.SizeMultiplier)
	}
}

func TestCheckRejectsEmptyInputs(t *testing.T) {
	m := NewManager(nil)
	if d := m.Check(CheckInput{Symbol: "BTC/USDT", ProposedUSD: 0, EquityUSD: 10000}); d.Execute {
		t.Error("zero proposal must reject")
	}
	if d := m.Check(CheckInput{Symbol: "BTC/USDT", ProposedUSD: 100, EquityUSD: 0}); d.Execute {
		t.Error("zero equity must reject")
	}
}

func TestHerfindahl(t *testing.T) {
	if h := herfindahl(nil); h != 0 {
		t.Errorf("empty book HHI = %.2f, want 0", h)
	}
	single := []OpenExposure{{Symbol: "BTC/USDT", NotionalUSD: 5000}}
	if h := herfindahl(single); h != 1.0 {
		t.Errorf("single position HHI = %.2f, want 1.0", h)
	}
}
