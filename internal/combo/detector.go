package combo

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/domain"
)

// Strategy labels assigned by the detector.
const (
	StrategyVertical   = "vertical"
	StrategyCalendar   = "calendar"
	StrategyDiagonal   = "diagonal"
	StrategyStraddle   = "straddle"
	StrategyStrangle   = "strangle"
	StrategyIronCondor = "iron_condor"
	StrategyButterfly  = "butterfly"
	StrategyRatio      = "ratio"
	StrategyCustom     = "custom"
)

// DetectedCombo references input legs by index. Legs live in the caller's
// flat slice for the duration of the tick; grouping never copies or reorders
// them, only the id hash works on a sorted copy of signatures.
type DetectedCombo struct {
	ComboID   string
	Key       string // canonical pre-hash identity, strikes sorted ascending
	Strategy  string
	LegIdx    []int
	Ratios    []int
	RatioFlag bool
}

// Detection partitions the input: every option leg lands in exactly one
// combo or exactly once among orphans.
type Detection struct {
	Combos  []DetectedCombo
	Orphans []int
}

// Detector groups option legs for a single account into combos.
type Detector struct {
	cfg DetectConfig
}

// NewDetector creates a detector with the given policy.
func NewDetector(cfg DetectConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect partitions all option legs of one account. Equities in the input
// are ignored. Grouping precedence: upstream strategy ids are authoritative;
// then pattern rules per underlying with four-leg structures tried before
// pairs so a butterfly is never consumed as two verticals (fewest orphans
// wins); leftovers become orphans.
func (d *Detector) Detect(account string, legs []domain.Leg) Detection {
	var det Detection

	// Canonical ordering makes greedy matching deterministic regardless of
	// feed iteration order.
	order := make([]int, 0, len(legs))
	for i, leg := range legs {
		if leg.IsOption() {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		return legLess(legs[order[a]], legs[order[b]])
	})

	consumed := make(map[int]bool, len(order))

	// Pass 0: upstream strategy identifiers.
	byStrategyID := make(map[string][]int)
	for _, i := range order {
		if id := legs[i].StrategyID; id != "" {
			byStrategyID[id] = append(byStrategyID[id], i)
		}
	}
	for _, id := range sortedKeys(byStrategyID) {
		group := byStrategyID[id]
		if len(group) < 2 {
			// A lone strategy id conveys no grouping; the leg stays in the
			// pattern pool.
			continue
		}
		for _, i := range group {
			consumed[i] = true
		}
		det.Combos = append(det.Combos, d.build(account, legs, group, d.classify(legs, group)))
	}

	// Pattern passes per underlying.
	byUnderlying := make(map[string][]int)
	for _, i := range order {
		if !consumed[i] {
			byUnderlying[underlyingOf(legs[i])] = append(byUnderlying[underlyingOf(legs[i])], i)
		}
	}
	for _, und := range sortedKeys(byUnderlying) {
		bucket := byUnderlying[und]
		d.fourLegPass(account, legs, bucket, consumed, &det)
		d.pairPass(account, legs, bucket, consumed, &det, matchVertical)
		d.pairPass(account, legs, bucket, consumed, &det, d.matchCalendar)
		d.pairPass(account, legs, bucket, consumed, &det, matchStraddleStrangle)
		d.ratioPass(account, legs, bucket, consumed, &det)

		for _, i := range bucket {
			if !consumed[i] {
				det.Orphans = append(det.Orphans, i)
			}
		}
	}

	return det
}

// fourLegPass consumes iron condors and butterflies: exactly two calls and
// two puts on one expiry with both long and short legs present, so the net
// premium has a coherent credit/debit structure.
func (d *Detector) fourLegPass(account string, legs []domain.Leg, bucket []int, consumed map[int]bool, det *Detection) {
	byExpiry := make(map[string][]int)
	for _, i := range bucket {
		if !consumed[i] {
			byExpiry[legs[i].Expiry] = append(byExpiry[legs[i].Expiry], i)
		}
	}
	for _, exp := range sortedKeys(byExpiry) {
		group := byExpiry[exp]
		var calls, puts []int
		for _, i := range group {
			switch legs[i].Right {
			case domain.RightCall:
				calls = append(calls, i)
			case domain.RightPut:
				puts = append(puts, i)
			}
		}
		if len(calls) != 2 || len(puts) != 2 {
			continue
		}
		four := []int{calls[0], calls[1], puts[0], puts[1]}
		if !mixedSigns(legs, four) {
			// All long or all short is not a condor/fly structure; leave the
			// legs for the pair passes.
			continue
		}
		strategy := StrategyIronCondor
		if isButterfly(legs, four) {
			strategy = StrategyButterfly
		}
		for _, i := range four {
			consumed[i] = true
		}
		det.Combos = append(det.Combos, d.build(account, legs, four, strategy))
	}
}

// pairMatch reports whether two legs form a pair and with which label.
type pairMatch func(a, b domain.Leg) (string, bool)

func (d *Detector) pairPass(account string, legs []domain.Leg, bucket []int, consumed map[int]bool, det *Detection, match pairMatch) {
	for ai, i := range bucket {
		if consumed[i] {
			continue
		}
		for _, j := range bucket[ai+1:] {
			if consumed[j] {
				continue
			}
			strategy, ok := match(legs[i], legs[j])
			if !ok {
				continue
			}
			consumed[i], consumed[j] = true, true
			c := d.build(account, legs, []int{i, j}, strategy)
			if strategy == StrategyVertical && abs(legs[i].Quantity) != abs(legs[j].Quantity) {
				c.RatioFlag = true
			}
			det.Combos = append(det.Combos, c)
			break
		}
	}
}

// matchVertical pairs same-right, same-expiry legs at different strikes.
// Unequal absolute quantities are allowed (ratio verticals) but flagged by
// the caller.
func matchVertical(a, b domain.Leg) (string, bool) {
	if a.Expiry == b.Expiry && a.Right == b.Right && a.Strike != b.Strike {
		return StrategyVertical, true
	}
	return "", false
}

// matchCalendar pairs same-right legs across expiries within the window with
// opposite-signed quantities. Same strike is a calendar, different a
// diagonal.
func (d *Detector) matchCalendar(a, b domain.Leg) (string, bool) {
	if a.Right != b.Right || a.Expiry == b.Expiry {
		return "", false
	}
	if a.Quantity*b.Quantity >= 0 {
		return "", false
	}
	gap, ok := expiryGapDays(a.Expiry, b.Expiry)
	if !ok || gap > d.cfg.CalendarWindowDays {
		return "", false
	}
	if a.Strike == b.Strike {
		return StrategyCalendar, true
	}
	return StrategyDiagonal, true
}

// matchStraddleStrangle pairs opposite-right, same-expiry legs with equal
// absolute quantity.
func matchStraddleStrangle(a, b domain.Leg) (string, bool) {
	if a.Expiry != b.Expiry || a.Right == b.Right {
		return "", false
	}
	if abs(a.Quantity) != abs(b.Quantity) {
		return "", false
	}
	if a.Strike == b.Strike {
		return StrategyStraddle, true
	}
	return StrategyStrangle, true
}

// ratioPass sweeps leftovers sharing underlying+expiry into ratio combos
// when their absolute quantities are not uniform.
func (d *Detector) ratioPass(account string, legs []domain.Leg, bucket []int, consumed map[int]bool, det *Detection) {
	byExpiry := make(map[string][]int)
	for _, i := range bucket {
		if !consumed[i] {
			byExpiry[legs[i].Expiry] = append(byExpiry[legs[i].Expiry], i)
		}
	}
	for _, exp := range sortedKeys(byExpiry) {
		group := byExpiry[exp]
		if len(group) < 2 || uniformAbsQuantity(legs, group) {
			continue
		}
		for _, i := range group {
			consumed[i] = true
		}
		det.Combos = append(det.Combos, d.build(account, legs, group, StrategyRatio))
	}
}

// classify names a feed-identified group by its structure, falling back to
// "custom" when no pattern fits.
func (d *Detector) classify(legs []domain.Leg, group []int) string {
	if len(group) == 4 {
		var calls, puts int
		sameExpiry := true
		for _, i := range group {
			if legs[i].Expiry != legs[group[0]].Expiry {
				sameExpiry = false
			}
			if legs[i].Right == domain.RightCall {
				calls++
			} else {
				puts++
			}
		}
		if sameExpiry && calls == 2 && puts == 2 && mixedSigns(legs, group) {
			if isButterfly(legs, group) {
				return StrategyButterfly
			}
			return StrategyIronCondor
		}
	}
	if len(group) == 2 {
		a, b := legs[group[0]], legs[group[1]]
		if s, ok := matchVertical(a, b); ok {
			return s
		}
		if s, ok := d.matchCalendar(a, b); ok {
			return s
		}
		if s, ok := matchStraddleStrangle(a, b); ok {
			return s
		}
	}
	if len(group) >= 2 && !uniformAbsQuantity(legs, group) {
		return StrategyRatio
	}
	return StrategyCustom
}

func (d *Detector) build(account string, legs []domain.Leg, idx []int, strategy string) DetectedCombo {
	group := make([]domain.Leg, len(idx))
	for k, i := range idx {
		group[k] = legs[i]
	}
	ratios := normalizeRatios(group)
	return DetectedCombo{
		ComboID:  ComboID(account, group, ratios),
		Key:      CanonicalKey(account, group, ratios),
		Strategy: strategy,
		LegIdx:   append([]int(nil), idx...),
		Ratios:   ratios,
	}
}

// isButterfly: sorted strikes with equal wings around a shared body strike.
// Equal wings with distinct inner strikes stay an iron condor.
func isButterfly(legs []domain.Leg, idx []int) bool {
	strikes := make([]float64, len(idx))
	for k, i := range idx {
		strikes[k] = legs[i].Strike
	}
	sort.Float64s(strikes)
	return strikes[1] == strikes[2] && strikes[1]-strikes[0] == strikes[3]-strikes[2]
}

func mixedSigns(legs []domain.Leg, idx []int) bool {
	var long, short bool
	for _, i := range idx {
		switch {
		case legs[i].Quantity > 0:
			long = true
		case legs[i].Quantity < 0:
			short = true
		}
	}
	return long && short
}

func uniformAbsQuantity(legs []domain.Leg, idx []int) bool {
	first := abs(legs[idx[0]].Quantity)
	for _, i := range idx[1:] {
		if abs(legs[i].Quantity) != first {
			return false
		}
	}
	return true
}

func underlyingOf(leg domain.Leg) string {
	if leg.Underlying != "" {
		return leg.Underlying
	}
	return leg.Instrument.Symbol
}

func expiryGapDays(a, b string) (int, bool) {
	ta, errA := time.Parse("2006-01-02", a)
	tb, errB := time.Parse("2006-01-02", b)
	if errA != nil || errB != nil {
		log.Debug().Str("expiry_a", a).Str("expiry_b", b).Msg("unparseable expiry in calendar pairing")
		return 0, false
	}
	days := int(tb.Sub(ta).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days, true
}

func legLess(a, b domain.Leg) bool {
	if ua, ub := underlyingOf(a), underlyingOf(b); ua != ub {
		return ua < ub
	}
	if a.Expiry != b.Expiry {
		return a.Expiry < b.Expiry
	}
	if a.Right != b.Right {
		return a.Right < b.Right
	}
	if a.Strike != b.Strike {
		return a.Strike < b.Strike
	}
	if a.Instrument.Symbol != b.Instrument.Symbol {
		return a.Instrument.Symbol < b.Instrument.Symbol
	}
	return a.Quantity < b.Quantity
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
