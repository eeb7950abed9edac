package ingest

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/marks"
	"github.com/posdesk/posdesk/internal/pnl"
	"github.com/posdesk/posdesk/internal/rules"
)

// Pipeline turns one tick's raw feed data into an immutable snapshot:
// resolve marks, detect combos, aggregate P&L and greeks, evaluate the
// active rule set.
type Pipeline struct {
	resolver *marks.Resolver
	detector *combo.Detector
	engine   *rules.Engine
}

// NewPipeline wires the per-tick stages.
func NewPipeline(resolver *marks.Resolver, detector *combo.Detector, engine *rules.Engine) *Pipeline {
	return &Pipeline{resolver: resolver, detector: detector, engine: engine}
}

// Run builds one snapshot. Incomplete legs are excluded and logged as data
// gaps; everything else flows through. The returned snapshot is fully built
// before the caller publishes it.
func (p *Pipeline) Run(data FeedData, catalog rules.Catalog, now time.Time) *domain.Snapshot {
	legs, gaps := p.splitValid(data.Positions)
	for _, gap := range gaps {
		log.Warn().Str("symbol", gap.Symbol).Str("field", gap.Field).Msg("leg excluded from aggregation")
	}

	resolved := make(map[string]domain.Mark, len(legs))
	for _, leg := range legs {
		sym := leg.Instrument.Symbol
		if _, done := resolved[sym]; !done {
			resolved[sym] = p.resolver.Resolve(sym, data.Quotes[sym], now)
		}
	}

	view := &domain.PositionsView{}

	// Equities.
	for _, leg := range legs {
		if leg.IsOption() {
			continue
		}
		sym := leg.Instrument.Symbol
		view.Stocks = append(view.Stocks, pnl.EquityRow(leg, resolved[sym], data.Quotes[sym]))
	}
	sort.Slice(view.Stocks, func(i, j int) bool {
		return view.Stocks[i].Leg.Instrument.Symbol < view.Stocks[j].Leg.Instrument.Symbol
	})

	// Options, detected per account. Leg indices stay stable for the whole
	// tick; detection only references them.
	byAccount := make(map[string][]domain.Leg)
	for _, leg := range legs {
		if leg.IsOption() {
			byAccount[leg.Account] = append(byAccount[leg.Account], leg)
		}
	}
	for _, account := range sortedAccounts(byAccount) {
		optLegs := byAccount[account]
		det := p.detector.Detect(account, optLegs)
		for _, dc := range det.Combos {
			view.Combos = append(view.Combos, pnl.BuildCombo(dc, optLegs, resolved, data.Quotes))
		}
		for _, i := range det.Orphans {
			leg := optLegs[i]
			sym := leg.Instrument.Symbol
			view.Orphans = append(view.Orphans, pnl.Orphan(leg, resolved[sym], data.Quotes[sym]))
		}
	}

	view.ByCurrency = pnl.Totals(view)

	eval := p.engine.Evaluate(catalog.Rules, view, now)
	if len(eval.EvalErrors) > 0 {
		log.Warn().Int("count", len(eval.EvalErrors)).Strs("errors", eval.EvalErrors).Msg("rule evaluation gaps this tick")
	}

	return &domain.Snapshot{
		Timestamp:      now,
		Session:        SessionAt(now),
		CatalogVersion: catalog.Version,
		Positions:      view,
		Counters:       eval.Counters,
		TopBreaches:    eval.Top,
		FocusSymbols:   eval.FocusSymbols(),
	}
}

func (p *Pipeline) splitValid(positions []domain.Leg) ([]domain.Leg, []*DataGapError) {
	valid := make([]domain.Leg, 0, len(positions))
	var gaps []*DataGapError
	for _, leg := range positions {
		if gap := validateLeg(leg); gap != nil {
			gaps = append(gaps, gap)
			continue
		}
		valid = append(valid, leg)
	}
	return valid, gaps
}

func sortedAccounts(m map[string][]domain.Leg) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
