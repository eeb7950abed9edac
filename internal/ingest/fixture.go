package ingest

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/posdesk/posdesk/internal/domain"
)

// FixtureFeed is a deterministic synthetic book used by `posdesk serve`
// when no brokerage adapter is configured, and by integration tests. Marks
// oscillate tick over tick so P&L and staleness paths stay exercised.
type FixtureFeed struct {
	tick atomic.Int64
	now  func() time.Time
}

// NewFixtureFeed creates the synthetic feed.
func NewFixtureFeed() *FixtureFeed {
	return &FixtureFeed{now: time.Now}
}

// Fetch implements Feed.
func (f *FixtureFeed) Fetch(_ context.Context) (FeedData, error) {
	n := f.tick.Add(1)
	now := f.now().UTC()
	wobble := math.Sin(float64(n)/7) // ±1, slow drift

	positions := []domain.Leg{
		equityLeg("AAPL", 200, 182.40),
		equityLeg("MSFT", -50, 415.10),
		optionLeg("SPY 261016C00390000", "SPY", domain.RightCall, 390, "2026-10-16", 1, 6.10),
		optionLeg("SPY 261016C00410000", "SPY", domain.RightCall, 410, "2026-10-16", -1, 2.35),
		optionLeg("QQQ 261120C00400000", "QQQ", domain.RightCall, 400, "2026-11-20", 2, 8.20),
		optionLeg("QQQ 261120P00400000", "QQQ", domain.RightPut, 400, "2026-11-20", 2, 7.90),
		optionLeg("IWM 261218P00180000", "IWM", domain.RightPut, 180, "2026-12-18", -4, 3.10),
	}

	quotes := map[string]*domain.Quote{
		"AAPL": equityQuote(185.20+wobble, 184.75, now),
		"MSFT": equityQuote(413.60-wobble, 414.20, now),
		"SPY 261016C00390000": optionQuote(7.40+wobble/10, 7.25, 0.55, 405.0, now),
		"SPY 261016C00410000": optionQuote(2.55-wobble/10, 2.60, 0.25, 405.0, now),
		"QQQ 261120C00400000": optionQuote(8.45+wobble/10, 8.30, 0.52, 398.0, now),
		"QQQ 261120P00400000": optionQuote(7.65-wobble/10, 7.80, -0.48, 398.0, now),
		// The orphan put quotes go stale: timestamp pinned well in the past.
		"IWM 261218P00180000": optionQuote(2.95, 3.00, -0.22, 197.0, now.Add(-20*time.Minute)),
	}

	return FeedData{Positions: positions, Quotes: quotes}, nil
}

func equityLeg(symbol string, qty, avg float64) domain.Leg {
	return domain.Leg{
		Instrument:   domain.Instrument{Symbol: symbol, AssetType: domain.AssetEquity, Currency: "USD", Exchange: "ARCA"},
		Account:      "U1234567",
		Quantity:     qty,
		AverageEntry: avg,
		Multiplier:   1,
	}
}

func optionLeg(symbol, underlying string, right domain.OptionRight, strike float64, expiry string, qty, avg float64) domain.Leg {
	return domain.Leg{
		Instrument:   domain.Instrument{Symbol: symbol, AssetType: domain.AssetOption, Currency: "USD", Exchange: "CBOE"},
		Account:      "U1234567",
		Underlying:   underlying,
		Right:        right,
		Strike:       strike,
		Expiry:       expiry,
		Quantity:     qty,
		AverageEntry: avg,
		Multiplier:   100,
	}
}

func equityQuote(mid, priorClose float64, ts time.Time) *domain.Quote {
	bid, ask := mid-0.02, mid+0.02
	last := mid
	return &domain.Quote{
		Bid: &bid, Ask: &ask, Last: &last,
		PriorClose: &priorClose,
		Timestamp:  ts,
	}
}

func optionQuote(mid, priorMark, delta, spot float64, ts time.Time) *domain.Quote {
	bid, ask := mid-0.05, mid+0.05
	gamma, theta, vega := 0.01, -0.04, 0.11
	return &domain.Quote{
		Bid: &bid, Ask: &ask,
		PriorMark:      &priorMark,
		UnderlyingSpot: &spot,
		Greeks:         &domain.Greeks{Delta: &delta, Gamma: &gamma, Theta: &theta, Vega: &vega},
		Timestamp:      ts,
	}
}
