// Package pnl computes per-leg and per-combo P&L, greek sums, and exposure
// from positions joined with resolved marks.
package pnl

import (
	"sort"

	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/domain"
)

// LegPnl derives Day and Total P&L for one leg. A nil mark, or a missing
// prior reference, yields nil rather than zero so an unknown valuation is
// never displayed as flat.
func LegPnl(leg domain.Leg, mark domain.Mark, q *domain.Quote) (day, total *float64) {
	if mark.Price == nil {
		return nil, nil
	}
	mult := leg.EffectiveMultiplier()

	var prior *float64
	if q != nil {
		if leg.IsOption() {
			prior = q.PriorMark
		} else {
			prior = q.PriorClose
		}
	}
	if prior != nil {
		d := (*mark.Price - *prior) * leg.Quantity * mult
		day = &d
	}
	t := (*mark.Price - leg.AverageEntry) * leg.Quantity * mult
	total = &t
	return day, total
}

// EquityRow builds a stock position row.
func EquityRow(leg domain.Leg, mark domain.Mark, q *domain.Quote) domain.StockRow {
	day, total := LegPnl(leg, mark, q)
	row := domain.StockRow{Leg: leg, Mark: mark, DayPnl: day, TotalPnl: total}
	if mark.Price != nil {
		e := *mark.Price * leg.Quantity * leg.EffectiveMultiplier()
		row.Exposure = &e
	}
	return row
}

// comboLeg joins one detected leg with its mark, greeks, and ratio.
func comboLeg(leg domain.Leg, ratio int, mark domain.Mark, q *domain.Quote) domain.ComboLeg {
	day, total := LegPnl(leg, mark, q)
	cl := domain.ComboLeg{Leg: leg, Mark: mark, Ratio: ratio, DayPnl: day, TotalPnl: total}
	if q != nil {
		cl.Greeks = q.Greeks
	}
	return cl
}

// BuildCombo materializes a detected combo: joins legs with marks and
// greeks, then aggregates P&L, greeks, net premium, and delta-adjusted
// exposure. A leg without a greek contributes zero to the sum but flips
// GreeksIncomplete; a leg without a mark leaves the combo P&L nil.
func BuildCombo(dc combo.DetectedCombo, legs []domain.Leg, marks map[string]domain.Mark, quotes map[string]*domain.Quote) domain.Combo {
	first := legs[dc.LegIdx[0]]
	c := domain.Combo{
		ComboID:    dc.ComboID,
		Strategy:   dc.Strategy,
		Account:    first.Account,
		Underlying: first.Underlying,
		Currency:   first.Instrument.Currency,
		RatioFlag:  dc.RatioFlag,
	}

	daySum, totalSum, expSum := 0.0, 0.0, 0.0
	dayOK, totalOK, expOK := true, true, true

	for k, i := range dc.LegIdx {
		leg := legs[i]
		sym := leg.Instrument.Symbol
		q := quotes[sym]
		cl := comboLeg(leg, dc.Ratios[k], marks[sym], q)
		c.Legs = append(c.Legs, cl)

		mult := leg.EffectiveMultiplier()
		c.NetPremium += leg.AverageEntry * leg.Quantity * mult

		if cl.DayPnl != nil {
			daySum += *cl.DayPnl
		} else {
			dayOK = false
		}
		if cl.TotalPnl != nil {
			totalSum += *cl.TotalPnl
		} else {
			totalOK = false
		}

		accumulateGreeks(&c.Greeks, &c.GreeksIncomplete, cl.Greeks, leg.Quantity*mult)

		if e := optionExposure(leg, q); e != nil {
			expSum += *e
		} else {
			expOK = false
		}
	}

	if dayOK {
		c.DayPnl = &daySum
	}
	if totalOK {
		c.TotalPnl = &totalSum
	}
	if expOK {
		c.Exposure = &expSum
	}
	return c
}

// Orphan materializes a single unmatched option leg.
func Orphan(leg domain.Leg, mark domain.Mark, q *domain.Quote) domain.OrphanLeg {
	o := domain.OrphanLeg{ComboLeg: comboLeg(leg, 1, mark, q)}
	o.Exposure = optionExposure(leg, q)
	return o
}

// optionExposure is delta-adjusted: underlying spot x delta x qty x
// multiplier. Nil when either input is missing upstream.
func optionExposure(leg domain.Leg, q *domain.Quote) *float64 {
	if q == nil || q.UnderlyingSpot == nil || q.Greeks == nil || q.Greeks.Delta == nil {
		return nil
	}
	e := *q.UnderlyingSpot * *q.Greeks.Delta * leg.Quantity * leg.EffectiveMultiplier()
	return &e
}

func accumulateGreeks(sums *domain.GreekSums, incomplete *bool, g *domain.Greeks, weight float64) {
	if g == nil {
		*incomplete = true
		return
	}
	add := func(dst *float64, src *float64) {
		if src != nil {
			*dst += *src * weight
		} else {
			*incomplete = true
		}
	}
	add(&sums.Delta, g.Delta)
	add(&sums.Gamma, g.Gamma)
	add(&sums.Theta, g.Theta)
	add(&sums.Vega, g.Vega)
}

// Totals rolls P&L, exposure, and greeks up per currency. Arithmetic stays
// in each instrument's native currency; no conversion is applied. Items with
// unknown P&L flip PnlIncomplete instead of contributing zero silently.
func Totals(view *domain.PositionsView) map[string]domain.CurrencyTotals {
	out := make(map[string]domain.CurrencyTotals)

	get := func(ccy string) domain.CurrencyTotals {
		if t, ok := out[ccy]; ok {
			return t
		}
		return domain.CurrencyTotals{Currency: ccy}
	}
	addPnl := func(t *domain.CurrencyTotals, day, total, exp *float64) {
		if day != nil {
			t.DayPnl += *day
		} else {
			t.PnlIncomplete = true
		}
		if total != nil {
			t.TotalPnl += *total
		} else {
			t.PnlIncomplete = true
		}
		if exp != nil {
			t.Exposure += *exp
		}
	}

	for _, row := range view.Stocks {
		t := get(row.Leg.Instrument.Currency)
		addPnl(&t, row.DayPnl, row.TotalPnl, row.Exposure)
		out[t.Currency] = t
	}
	for _, c := range view.Combos {
		t := get(c.Currency)
		addPnl(&t, c.DayPnl, c.TotalPnl, c.Exposure)
		t.Greeks.Delta += c.Greeks.Delta
		t.Greeks.Gamma += c.Greeks.Gamma
		t.Greeks.Theta += c.Greeks.Theta
		t.Greeks.Vega += c.Greeks.Vega
		if c.GreeksIncomplete {
			t.GreeksIncomplete = true
		}
		out[t.Currency] = t
	}
	for _, o := range view.Orphans {
		t := get(o.Leg.Instrument.Currency)
		addPnl(&t, o.DayPnl, o.TotalPnl, o.Exposure)
		weight := o.Leg.Quantity * o.Leg.EffectiveMultiplier()
		var inc bool
		sums := t.Greeks
		accumulateGreeks(&sums, &inc, o.Greeks, weight)
		t.Greeks = sums
		if inc {
			t.GreeksIncomplete = true
		}
		out[t.Currency] = t
	}
	return out
}

// Currencies lists the roll-up currencies in stable order.
func Currencies(totals map[string]domain.CurrencyTotals) []string {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
