// Package marks resolves an authoritative mark price and provenance tag per
// instrument from whatever quote fields the upstream feed supplied.
package marks

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/domain"
)

// Resolver picks mark prices. It remembers the last successfully resolved
// mark per symbol so a degraded feed can fall back to PREV instead of
// reporting nothing. Not safe for concurrent use; the ingestion loop is the
// single writer.
type Resolver struct {
	cfg  StalenessConfig
	prev map[string]prevMark
}

// prevMark remembers a resolved price together with the time it was quoted,
// so a PREV fallback ages from the original observation, not from the tick
// that happened to reuse it.
type prevMark struct {
	price float64
	at    time.Time
}

// NewResolver creates a resolver with the given staleness policy.
func NewResolver(cfg StalenessConfig) *Resolver {
	return &Resolver{
		cfg:  cfg,
		prev: make(map[string]prevMark),
	}
}

// Resolve returns the mark for a quote. Preference order: mid when bid and
// ask are both present and not crossed, then last, then the previously
// resolved mark. Resolution never fails: with no usable price the mark is nil
// and downstream P&L stays nil so "unknown" is never shown as "flat".
func (r *Resolver) Resolve(symbol string, q *domain.Quote, now time.Time) domain.Mark {
	mark := domain.Mark{Source: domain.MarkNone}

	if q != nil {
		mark.Staleness = stalenessSeconds(q.Timestamp, now)

		switch {
		case q.Bid != nil && q.Ask != nil && *q.Ask >= *q.Bid:
			mid := (*q.Bid + *q.Ask) / 2
			mark.Price = &mid
			mark.Source = domain.MarkMid
		case q.Last != nil:
			last := *q.Last
			mark.Price = &last
			mark.Source = domain.MarkLast
		}
	}

	markedAt := now
	if q != nil && !q.Timestamp.IsZero() {
		markedAt = q.Timestamp
	}

	if mark.Price == nil {
		if p, ok := r.prev[symbol]; ok {
			price := p.price
			mark.Price = &price
			mark.Source = domain.MarkPrev
			mark.Staleness = stalenessSeconds(p.at, now)
			markedAt = p.at
		}
	}

	if mark.Price != nil {
		r.prev[symbol] = prevMark{price: *mark.Price, at: markedAt}
	} else {
		log.Debug().Str("symbol", symbol).Msg("no resolvable mark for instrument")
	}

	mark.Tier = r.cfg.Tier(mark.Staleness)
	return mark
}

// Prev returns the remembered mark for a symbol, for tests and diagnostics.
func (r *Resolver) Prev(symbol string) (float64, bool) {
	p, ok := r.prev[symbol]
	return p.price, ok
}

func stalenessSeconds(ts, now time.Time) float64 {
	if ts.IsZero() {
		return 0
	}
	s := now.Sub(ts).Seconds()
	if s < 0 {
		return 0
	}
	return s
}
