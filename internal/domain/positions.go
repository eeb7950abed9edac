// Package domain holds the positions-view data model shared by the
// ingestion pipeline, the rules engine, and the HTTP surface.
package domain

import "time"

// AssetType distinguishes the two instrument classes the engine handles.
type AssetType string

const (
	AssetEquity AssetType = "EQUITY"
	AssetOption AssetType = "OPTION"
)

// OptionRight is the option side, CALL or PUT.
type OptionRight string

const (
	RightCall OptionRight = "CALL"
	RightPut  OptionRight = "PUT"
)

// MarkSource tags where a resolved mark price came from.
type MarkSource string

const (
	MarkMid  MarkSource = "MID"
	MarkLast MarkSource = "LAST"
	MarkPrev MarkSource = "PREV"
	MarkNone MarkSource = "NONE"
)

// Instrument is the immutable identity key for grouping positions.
type Instrument struct {
	Symbol    string    `json:"symbol"`
	AssetType AssetType `json:"asset_type"`
	Currency  string    `json:"currency"`
	Exchange  string    `json:"exchange,omitempty"`
}

// Leg is one raw position from the upstream brokerage adapter. Option fields
// (Strike, Right, Expiry) are zero-valued for equities. Quantity is signed:
// long positive, short negative.
type Leg struct {
	Instrument   Instrument  `json:"instrument"`
	Account      string      `json:"account"`
	Quantity     float64     `json:"quantity"`
	AverageEntry float64     `json:"average_entry"`
	Multiplier   float64     `json:"multiplier"`
	Underlying   string      `json:"underlying,omitempty"`
	Strike       float64     `json:"strike,omitempty"`
	Right        OptionRight `json:"right,omitempty"`
	Expiry       string      `json:"expiry,omitempty"` // YYYY-MM-DD
	// StrategyID is an optional upstream combo identifier. When present it is
	// authoritative for grouping.
	StrategyID string `json:"strategy_id,omitempty"`
}

// IsOption reports whether the leg is an option contract.
func (l Leg) IsOption() bool {
	return l.Instrument.AssetType == AssetOption
}

// EffectiveMultiplier returns the contract multiplier, defaulting to 100 for
// options and 1 for equities when the feed omits it.
func (l Leg) EffectiveMultiplier() float64 {
	if l.Multiplier > 0 {
		return l.Multiplier
	}
	if l.IsOption() {
		return 100
	}
	return 1
}

// Quote is one per-instrument price observation per tick. Pointer fields are
// nil when the upstream feed had no value.
type Quote struct {
	Symbol     string    `json:"symbol"`
	Bid        *float64  `json:"bid,omitempty"`
	Ask        *float64  `json:"ask,omitempty"`
	Last       *float64  `json:"last,omitempty"`
	PriorClose *float64  `json:"prior_close,omitempty"`
	PriorMark  *float64  `json:"prior_mark,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Greeks     *Greeks   `json:"greeks,omitempty"`
	// UnderlyingSpot carries the underlying price for option quotes, used for
	// delta-adjusted exposure.
	UnderlyingSpot *float64 `json:"underlying_spot,omitempty"`
}

// Greeks are supplied per leg by the upstream quote adapter. Any field may be
// absent.
type Greeks struct {
	Delta *float64 `json:"delta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
}

// GreekSums are aggregated position-weighted greeks. Plain floats: missing
// leg greeks contribute zero to the sum and set Incomplete on the owner.
type GreekSums struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Mark is a resolved valuation price with provenance and staleness.
type Mark struct {
	Price     *float64   `json:"price"`
	Source    MarkSource `json:"source"`
	Staleness float64    `json:"staleness_seconds"`
	Tier      string     `json:"tier"` // fresh|amber|red
}

// ComboLeg joins a raw option leg with its resolved mark and greeks. Ratio is
// the quantity normalized against the combo's smallest-magnitude leg.
type ComboLeg struct {
	Leg      Leg      `json:"leg"`
	Mark     Mark     `json:"mark"`
	Greeks   *Greeks  `json:"greeks,omitempty"`
	Ratio    int      `json:"ratio"`
	DayPnl   *float64 `json:"day_pnl"`
	TotalPnl *float64 `json:"total_pnl"`
}

// Combo is a detected multi-leg option strategy. Every leg shares account and
// underlying.
type Combo struct {
	ComboID          string     `json:"combo_id"`
	Strategy         string     `json:"strategy"`
	Account          string     `json:"account"`
	Underlying       string     `json:"underlying"`
	Currency         string     `json:"currency"`
	Legs             []ComboLeg `json:"legs"`
	Greeks           GreekSums  `json:"greeks"`
	GreeksIncomplete bool       `json:"greeks_incomplete"`
	NetPremium       float64    `json:"net_premium"`
	DayPnl           *float64   `json:"day_pnl"`
	TotalPnl         *float64   `json:"total_pnl"`
	Exposure         *float64   `json:"exposure"`
	// RatioFlag marks verticals with unequal absolute quantities.
	RatioFlag bool `json:"ratio_flag,omitempty"`
}

// OrphanLeg is an option leg that matched no combo pattern.
type OrphanLeg struct {
	ComboLeg
	Exposure *float64 `json:"exposure"`
}

// StockRow is a single-equity position with resolved mark and P&L.
type StockRow struct {
	Leg      Leg      `json:"leg"`
	Mark     Mark     `json:"mark"`
	DayPnl   *float64 `json:"day_pnl"`
	TotalPnl *float64 `json:"total_pnl"`
	Exposure *float64 `json:"exposure"`
}

// CurrencyTotals roll up P&L and exposure within one currency. No
// cross-currency conversion is performed.
type CurrencyTotals struct {
	Currency         string    `json:"currency"`
	DayPnl           float64   `json:"day_pnl"`
	TotalPnl         float64   `json:"total_pnl"`
	Exposure         float64   `json:"exposure"`
	Greeks           GreekSums `json:"greeks"`
	GreeksIncomplete bool      `json:"greeks_incomplete"`
	PnlIncomplete    bool      `json:"pnl_incomplete"`
}

// PositionsView is the fully aggregated per-tick view the rules engine and
// the dashboard read.
type PositionsView struct {
	Stocks     []StockRow                `json:"stocks"`
	Combos     []Combo                   `json:"combos"`
	Orphans    []OrphanLeg               `json:"orphans"`
	ByCurrency map[string]CurrencyTotals `json:"by_currency"`
}

// Totals returns roll-ups for the given currency, zero-valued when absent.
func (v *PositionsView) Totals(currency string) CurrencyTotals {
	if t, ok := v.ByCurrency[currency]; ok {
		return t
	}
	return CurrencyTotals{Currency: currency}
}
