package pnl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/domain"
)

func f(v float64) *float64 { return &v }

func equity(symbol string, qty, avg float64) domain.Leg {
	return domain.Leg{
		Instrument: domain.Instrument{Symbol: symbol, AssetType: domain.AssetEquity, Currency: "USD"},
		Account:    "U1234567",
		Quantity:   qty,
		AverageEntry: avg,
		Multiplier: 1,
	}
}

func option(symbol, underlying string, right domain.OptionRight, strike float64, qty, avg float64) domain.Leg {
	return domain.Leg{
		Instrument: domain.Instrument{Symbol: symbol, AssetType: domain.AssetOption, Currency: "USD"},
		Account:    "U1234567",
		Underlying: underlying,
		Right:      right,
		Strike:     strike,
		Expiry:     "2026-10-16",
		Quantity:   qty,
		AverageEntry: avg,
		Multiplier: 100,
	}
}

func mark(p float64) domain.Mark {
	return domain.Mark{Price: &p, Source: domain.MarkMid, Tier: "fresh"}
}

func TestEquityDayPnl(t *testing.T) {
	leg := equity("AAPL", 200, 180.00)
	q := &domain.Quote{Symbol: "AAPL", PriorClose: f(190.00), Timestamp: time.Now()}

	row := EquityRow(leg, mark(191.50), q)

	require.NotNil(t, row.DayPnl)
	assert.InDelta(t, 300.00, *row.DayPnl, 1e-9)
	require.NotNil(t, row.TotalPnl)
	assert.InDelta(t, (191.50-180.00)*200, *row.TotalPnl, 1e-9)
	require.NotNil(t, row.Exposure)
	assert.InDelta(t, 191.50*200, *row.Exposure, 1e-9)
}

func TestNilMarkYieldsNilPnl(t *testing.T) {
	leg := equity("AAPL", 200, 180.00)
	row := EquityRow(leg, domain.Mark{Source: domain.MarkNone}, nil)

	assert.Nil(t, row.DayPnl)
	assert.Nil(t, row.TotalPnl)
	assert.Nil(t, row.Exposure)
}

func TestMissingPriorCloseYieldsNilDayPnlOnly(t *testing.T) {
	leg := equity("AAPL", 100, 180.00)
	q := &domain.Quote{Symbol: "AAPL", Timestamp: time.Now()}

	row := EquityRow(leg, mark(185.00), q)
	assert.Nil(t, row.DayPnl)
	require.NotNil(t, row.TotalPnl)
	assert.InDelta(t, 500.00, *row.TotalPnl, 1e-9)
}

func TestBuildComboAggregates(t *testing.T) {
	legs := []domain.Leg{
		option("SPY C390", "SPY", domain.RightCall, 390, 1, 6.00),
		option("SPY C410", "SPY", domain.RightCall, 410, -1, 2.00),
	}
	dc := combo.DetectedCombo{
		ComboID: "abc", Strategy: combo.StrategyVertical,
		LegIdx: []int{0, 1}, Ratios: []int{1, -1},
	}
	marks := map[string]domain.Mark{
		"SPY C390": mark(7.50),
		"SPY C410": mark(2.50),
	}
	quotes := map[string]*domain.Quote{
		"SPY C390": {PriorMark: f(7.00), Greeks: &domain.Greeks{Delta: f(0.55), Gamma: f(0.01), Theta: f(-0.05), Vega: f(0.10)}, UnderlyingSpot: f(400)},
		"SPY C410": {PriorMark: f(2.80), Greeks: &domain.Greeks{Delta: f(0.25), Gamma: f(0.01), Theta: f(-0.03), Vega: f(0.08)}, UnderlyingSpot: f(400)},
	}

	c := BuildCombo(dc, legs, marks, quotes)

	require.NotNil(t, c.DayPnl)
	// long leg +0.50, short leg +0.30, x100
	assert.InDelta(t, 80.00, *c.DayPnl, 1e-9)
	require.NotNil(t, c.TotalPnl)
	// long +1.50, short -0.50, x100
	assert.InDelta(t, 100.00, *c.TotalPnl, 1e-9)
	// debit 6.00 - credit 2.00, x100
	assert.InDelta(t, 400.00, c.NetPremium, 1e-9)
	// delta: 0.55*100 - 0.25*100
	assert.InDelta(t, 30.0, c.Greeks.Delta, 1e-9)
	assert.False(t, c.GreeksIncomplete)
	require.NotNil(t, c.Exposure)
	assert.InDelta(t, 400*0.55*100-400*0.25*100, *c.Exposure, 1e-9)
}

func TestComboGreeksIncomplete(t *testing.T) {
	legs := []domain.Leg{
		option("SPY C390", "SPY", domain.RightCall, 390, 1, 6.00),
		option("SPY C410", "SPY", domain.RightCall, 410, -1, 2.00),
	}
	dc := combo.DetectedCombo{ComboID: "abc", Strategy: combo.StrategyVertical, LegIdx: []int{0, 1}, Ratios: []int{1, -1}}
	marks := map[string]domain.Mark{"SPY C390": mark(7.50), "SPY C410": mark(2.50)}
	quotes := map[string]*domain.Quote{
		"SPY C390": {Greeks: &domain.Greeks{Delta: f(0.55)}},
		"SPY C410": {Greeks: nil},
	}

	c := BuildCombo(dc, legs, marks, quotes)

	assert.True(t, c.GreeksIncomplete)
	// Missing leg delta contributes zero to the sum itself.
	assert.InDelta(t, 55.0, c.Greeks.Delta, 1e-9)
}

func TestTotalsPerCurrencyNoConversion(t *testing.T) {
	usd := EquityRow(equity("AAPL", 100, 180), mark(185), &domain.Quote{PriorClose: f(184)})
	eurLeg := equity("SAP", 50, 120)
	eurLeg.Instrument.Currency = "EUR"
	eur := EquityRow(eurLeg, mark(125), &domain.Quote{PriorClose: f(124)})

	view := &domain.PositionsView{Stocks: []domain.StockRow{usd, eur}}
	totals := Totals(view)

	require.Len(t, totals, 2)
	assert.InDelta(t, 100.0, totals["USD"].DayPnl, 1e-9)
	assert.InDelta(t, 50.0, totals["EUR"].DayPnl, 1e-9)
	assert.Equal(t, []string{"EUR", "USD"}, Currencies(totals))
}

func TestTotalsFlagIncompletePnl(t *testing.T) {
	known := EquityRow(equity("AAPL", 100, 180), mark(185), &domain.Quote{PriorClose: f(184)})
	unknown := EquityRow(equity("XYZ", 10, 5), domain.Mark{Source: domain.MarkNone}, nil)

	view := &domain.PositionsView{Stocks: []domain.StockRow{known, unknown}}
	totals := Totals(view)

	assert.True(t, totals["USD"].PnlIncomplete)
	assert.InDelta(t, 100.0, totals["USD"].DayPnl, 1e-9)
}
