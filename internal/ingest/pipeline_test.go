package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/marks"
	"github.com/posdesk/posdesk/internal/rules"
)

func newTestPipeline() *Pipeline {
	return NewPipeline(
		marks.NewResolver(marks.DefaultStalenessConfig()),
		combo.NewDetector(combo.DefaultDetectConfig()),
		rules.NewEngine("USD"),
	)
}

// regularSessionTime is a Tuesday 14:30 UTC = 10:30 New York, regular hours.
var regularSessionTime = time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

func TestPipelineBuildsViewFromFixtureFeed(t *testing.T) {
	feed := NewFixtureFeed()
	data, err := feed.Fetch(context.Background())
	require.NoError(t, err)

	snap := newTestPipeline().Run(data, rules.Catalog{Version: 3}, regularSessionTime)

	require.NotNil(t, snap.Positions)
	assert.Equal(t, 3, snap.CatalogVersion)
	assert.Equal(t, domain.SessionRegular, snap.Session)

	// Equities sorted by symbol.
	require.Len(t, snap.Positions.Stocks, 2)
	assert.Equal(t, "AAPL", snap.Positions.Stocks[0].Leg.Instrument.Symbol)
	assert.Equal(t, "MSFT", snap.Positions.Stocks[1].Leg.Instrument.Symbol)

	// SPY vertical and QQQ straddle; the lone IWM put stays an orphan.
	strategies := map[string]string{}
	for _, c := range snap.Positions.Combos {
		strategies[c.Underlying] = c.Strategy
	}
	assert.Equal(t, combo.StrategyVertical, strategies["SPY"])
	assert.Equal(t, combo.StrategyStraddle, strategies["QQQ"])
	require.Len(t, snap.Positions.Orphans, 1)
	assert.Equal(t, "IWM", snap.Positions.Orphans[0].Leg.Underlying)

	totals, ok := snap.Positions.ByCurrency["USD"]
	require.True(t, ok)
	assert.NotZero(t, totals.Exposure)
}

func TestPipelineExcludesIncompleteLegs(t *testing.T) {
	valid := equityLeg("AAPL", 100, 180)
	noAccount := equityLeg("TSLA", 10, 250)
	noAccount.Account = ""
	noRight := optionLeg("SPY bad", "SPY", "", 400, "2026-10-16", 1, 2)

	data := FeedData{
		Positions: []domain.Leg{valid, noAccount, noRight},
		Quotes: map[string]*domain.Quote{
			"AAPL": equityQuote(185, 184, regularSessionTime),
		},
	}

	snap := newTestPipeline().Run(data, rules.Catalog{}, regularSessionTime)

	require.Len(t, snap.Positions.Stocks, 1)
	assert.Equal(t, "AAPL", snap.Positions.Stocks[0].Leg.Instrument.Symbol)
	assert.Empty(t, snap.Positions.Combos)
	assert.Empty(t, snap.Positions.Orphans)
}

func TestPipelineLegWithoutQuoteKeepsNilMark(t *testing.T) {
	data := FeedData{
		Positions: []domain.Leg{equityLeg("NOQUOTE", 100, 50)},
		Quotes:    map[string]*domain.Quote{},
	}

	snap := newTestPipeline().Run(data, rules.Catalog{}, regularSessionTime)

	require.Len(t, snap.Positions.Stocks, 1)
	row := snap.Positions.Stocks[0]
	assert.Nil(t, row.Mark.Price)
	assert.Nil(t, row.DayPnl)
	assert.Nil(t, row.TotalPnl)
	assert.True(t, snap.Positions.ByCurrency["USD"].PnlIncomplete)
}

func TestValidateLeg(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*domain.Leg)
		field string
	}{
		{"complete equity", func(l *domain.Leg) {}, ""},
		{"missing symbol", func(l *domain.Leg) { l.Instrument.Symbol = "" }, "symbol"},
		{"missing account", func(l *domain.Leg) { l.Account = "" }, "account"},
		{"zero quantity", func(l *domain.Leg) { l.Quantity = 0 }, "quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg := equityLeg("AAPL", 100, 180)
			tt.mut(&leg)
			gap := validateLeg(leg)
			if tt.field == "" {
				assert.Nil(t, gap)
			} else {
				require.NotNil(t, gap)
				assert.Equal(t, tt.field, gap.Field)
			}
		})
	}

	t.Run("option missing expiry", func(t *testing.T) {
		leg := optionLeg("SPY x", "SPY", domain.RightCall, 400, "", 1, 2)
		gap := validateLeg(leg)
		require.NotNil(t, gap)
		assert.Equal(t, "expiry", gap.Field)
	})
}

func TestSessionAt(t *testing.T) {
	// 2026-08-25 is a Tuesday. Hours below are New York local.
	ny := time.FixedZone("EDT", -4*3600)
	tests := []struct {
		name string
		at   time.Time
		want domain.Session
	}{
		{"pre-market", time.Date(2026, 8, 25, 5, 0, 0, 0, ny), domain.SessionPre},
		{"open bell", time.Date(2026, 8, 25, 9, 30, 0, 0, ny), domain.SessionRegular},
		{"mid regular", time.Date(2026, 8, 25, 13, 0, 0, 0, ny), domain.SessionRegular},
		{"post", time.Date(2026, 8, 25, 17, 0, 0, 0, ny), domain.SessionPost},
		{"overnight", time.Date(2026, 8, 25, 2, 0, 0, 0, ny), domain.SessionClosed},
		{"saturday", time.Date(2026, 8, 29, 13, 0, 0, 0, ny), domain.SessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionAt(tt.at))
		})
	}
}
