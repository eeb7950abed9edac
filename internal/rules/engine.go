package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/domain"
)

// breachNamespace seeds deterministic breach ids: the same rule firing on
// the same subject always produces the same id within a tick.
var breachNamespace = uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")

// TopBreachLimit bounds the ranked list carried on snapshots.
const TopBreachLimit = 10

// EvalResult is one deterministic evaluation pass over a positions view.
type EvalResult struct {
	Counters   domain.BreachCounters `json:"counters"`
	Breaches   []domain.Breach       `json:"breaches"`
	Top        []domain.Breach       `json:"top"`
	EvalErrors []string              `json:"eval_errors,omitempty"`
}

// FocusSymbols lists distinct top-breach subjects in rank order, excluding
// the portfolio pseudo-subject.
func (r *EvalResult) FocusSymbols() []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range r.Top {
		if b.Subject == PortfolioSubject || seen[b.Subject] {
			continue
		}
		seen[b.Subject] = true
		out = append(out, b.Subject)
	}
	return out
}

// PortfolioSubject is the subject label for PORTFOLIO-scope breaches.
const PortfolioSubject = "portfolio"

// Engine evaluates a compiled catalog against positions views. Evaluation is
// pure: the same view and catalog version always yield the same breach set.
type Engine struct {
	// BaseCurrency selects the roll-up bucket PORTFOLIO rules evaluate
	// against.
	BaseCurrency string
}

// NewEngine creates an engine rolled up in the given base currency.
func NewEngine(baseCurrency string) *Engine {
	if baseCurrency == "" {
		baseCurrency = "USD"
	}
	return &Engine{BaseCurrency: baseCurrency}
}

// Evaluate runs filter-then-expr for every applicable rule/subject pair.
// Each true expr yields one breach. Field gaps and type mismatches are
// collected, never fatal.
func (e *Engine) Evaluate(rules []Rule, view *domain.PositionsView, asOf time.Time) EvalResult {
	var res EvalResult
	if view == nil {
		return res
	}

	for _, rule := range rules {
		switch rule.Scope {
		case ScopePortfolio:
			e.apply(&res, rule, PortfolioSubject, "", portfolioScope(view, e.BaseCurrency), asOf)
		case ScopeCombo:
			for i := range view.Combos {
				c := &view.Combos[i]
				e.apply(&res, rule, c.Underlying, c.ComboID, comboScope(c), asOf)
			}
		case ScopeLeg:
			for i := range view.Combos {
				for j := range view.Combos[i].Legs {
					cl := &view.Combos[i].Legs[j]
					e.apply(&res, rule, cl.Leg.Instrument.Symbol, cl.Leg.Account, legScope(cl, asOf), asOf)
				}
			}
			for i := range view.Orphans {
				cl := &view.Orphans[i].ComboLeg
				e.apply(&res, rule, cl.Leg.Instrument.Symbol, cl.Leg.Account, legScope(cl, asOf), asOf)
			}
		}
	}

	sortBreaches(res.Breaches)
	res.Top = res.Breaches
	if len(res.Top) > TopBreachLimit {
		res.Top = res.Top[:TopBreachLimit]
	}
	return res
}

// apply evaluates one rule against one subject. detail disambiguates subjects
// that share a display name: the combo id for COMBO scope (several combos can
// sit on one underlying), the account for LEG scope (the same contract can be
// held in several accounts). It feeds the deterministic breach id.
func (e *Engine) apply(res *EvalResult, rule Rule, subject, detail string, scope Scope, asOf time.Time) {
	if rule.filter != nil {
		keep, err := EvalBool(rule.filter, scope)
		if err != nil {
			res.EvalErrors = append(res.EvalErrors, fmt.Sprintf("rule %q filter on %s: %v", rule.RuleID, subject, err))
			return
		}
		if !keep {
			return
		}
	}
	hit, err := EvalBool(rule.expr, scope)
	if err != nil {
		res.EvalErrors = append(res.EvalErrors, fmt.Sprintf("rule %q expr on %s: %v", rule.RuleID, subject, err))
		log.Debug().Str("rule", rule.RuleID).Str("subject", subject).Err(err).Msg("rule evaluation skipped subject")
		return
	}
	if !hit {
		return
	}

	res.Breaches = append(res.Breaches, domain.Breach{
		BreachID:   uuid.NewSHA1(breachNamespace, []byte(rule.RuleID+"|"+subject+"|"+detail)).String(),
		RuleID:     rule.RuleID,
		RuleName:   rule.Name,
		Subject:    subject,
		Detail:     detail,
		Severity:   rule.Severity,
		OccurredAt: asOf,
		Status:     domain.BreachOpen,
	})
	res.Counters.Add(rule.Severity)
}

// sortBreaches ranks severity desc, occurredAt desc, then subject, detail
// and rule id ascending for a total deterministic order.
func sortBreaches(breaches []domain.Breach) {
	sort.SliceStable(breaches, func(i, j int) bool {
		a, b := breaches[i], breaches[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Detail != b.Detail {
			return a.Detail < b.Detail
		}
		return a.RuleID < b.RuleID
	})
}

// --- scope builders ---

func portfolioScope(view *domain.PositionsView, ccy string) Scope {
	t := view.Totals(ccy)
	return MapScope{
		"currency":          str(t.Currency),
		"day_pnl":           number(t.DayPnl),
		"total_pnl":         number(t.TotalPnl),
		"exposure":          number(t.Exposure),
		"delta":             number(t.Greeks.Delta),
		"gamma":             number(t.Greeks.Gamma),
		"theta":             number(t.Greeks.Theta),
		"vega":              number(t.Greeks.Vega),
		"greeks_incomplete": boolean(t.GreeksIncomplete),
		"pnl_incomplete":    boolean(t.PnlIncomplete),
		"stocks":            number(float64(len(view.Stocks))),
		"combos":            number(float64(len(view.Combos))),
		"orphans":           number(float64(len(view.Orphans))),
	}
}

func comboScope(c *domain.Combo) Scope {
	s := MapScope{
		"strategy":          str(c.Strategy),
		"underlying":        str(c.Underlying),
		"account":           str(c.Account),
		"currency":          str(c.Currency),
		"legs":              number(float64(len(c.Legs))),
		"net_premium":       number(c.NetPremium),
		"delta":             number(c.Greeks.Delta),
		"gamma":             number(c.Greeks.Gamma),
		"theta":             number(c.Greeks.Theta),
		"vega":              number(c.Greeks.Vega),
		"greeks_incomplete": boolean(c.GreeksIncomplete),
		"ratio_flag":        boolean(c.RatioFlag),
	}
	putOpt(s, "day_pnl", c.DayPnl)
	putOpt(s, "total_pnl", c.TotalPnl)
	putOpt(s, "exposure", c.Exposure)
	return s
}

func legScope(cl *domain.ComboLeg, asOf time.Time) Scope {
	leg := cl.Leg
	s := MapScope{
		"symbol":            str(leg.Instrument.Symbol),
		"underlying":        str(leg.Underlying),
		"account":           str(leg.Account),
		"currency":          str(leg.Instrument.Currency),
		"right":             str(string(leg.Right)),
		"strike":            number(leg.Strike),
		"quantity":          number(leg.Quantity),
		"multiplier":        number(leg.EffectiveMultiplier()),
		"ratio":             number(float64(cl.Ratio)),
		"mark_source":       str(string(cl.Mark.Source)),
		"staleness_seconds": number(cl.Mark.Staleness),
		"staleness_tier":    str(cl.Mark.Tier),
	}
	putOpt(s, "mark", cl.Mark.Price)
	putOpt(s, "day_pnl", cl.DayPnl)
	putOpt(s, "total_pnl", cl.TotalPnl)
	if cl.Greeks != nil {
		putOpt(s, "delta", cl.Greeks.Delta)
		putOpt(s, "gamma", cl.Greeks.Gamma)
		putOpt(s, "theta", cl.Greeks.Theta)
		putOpt(s, "vega", cl.Greeks.Vega)
	}
	if dte, ok := daysToExpiry(leg.Expiry, asOf); ok {
		s["dte"] = number(dte)
	}
	return s
}

// putOpt adds optional numeric fields only when known, so a rule touching an
// unknown value skips the subject instead of reading zero.
func putOpt(s MapScope, name string, v *float64) {
	if v != nil {
		s[name] = number(*v)
	}
}

func daysToExpiry(expiry string, asOf time.Time) (float64, bool) {
	t, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return 0, false
	}
	return t.Sub(asOf).Hours() / 24, true
}
